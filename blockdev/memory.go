package blockdev

// MemDevice is an in-memory Device used by tests, mirroring the teacher's
// testhelper.FileImpl stand-in for a real backing store.
type MemDevice struct {
	data    []byte
	sectors uint32
}

// NewMemDevice creates an in-memory device of the given sector count, all
// sectors initially zero.
func NewMemDevice(sectors uint32) *MemDevice {
	return &MemDevice{
		data:    make([]byte, int(sectors)*SectorSize),
		sectors: sectors,
	}
}

func (d *MemDevice) ReadSector(sector uint32, buf []byte) error {
	if err := checkBuf(buf); err != nil {
		return err
	}
	if err := checkSector(sector, d.sectors); err != nil {
		return err
	}
	copy(buf, d.data[int(sector)*SectorSize:int(sector+1)*SectorSize])
	return nil
}

func (d *MemDevice) WriteSector(sector uint32, buf []byte) error {
	if err := checkBuf(buf); err != nil {
		return err
	}
	if err := checkSector(sector, d.sectors); err != nil {
		return err
	}
	copy(d.data[int(sector)*SectorSize:int(sector+1)*SectorSize], buf)
	return nil
}

func (d *MemDevice) SectorCount() uint32 {
	return d.sectors
}
