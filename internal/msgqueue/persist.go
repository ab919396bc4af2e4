package msgqueue

import (
	"fmt"
	"os"
	"path/filepath"

	"gastrolog/internal/diskstream"
)

// qiPrefix is the diskstream prefix used for the queue-info checkpoint;
// with MaxSegments 1 it always resolves to a single file,
// dir/prefix.qi.00000000 (spec §4.2: "a small fixed-name file beside the
// segment files").
func qiPrefix(prefix string) string { return prefix + ".qi" }

func qiPath(dir, prefix string) string {
	return filepath.Join(dir, qiPrefix(prefix)+".00000000")
}

// writeQueueInfo persists info as a single property-bag record,
// overwriting any previous checkpoint.
func writeQueueInfo(dir, prefix string, info QueueInfo) error {
	os.Remove(qiPath(dir, prefix))

	stream, err := diskstream.Open(diskstream.Config{
		Dir: dir, Prefix: qiPrefix(prefix), Mode: diskstream.ModeWrite, MaxSegments: 1,
	})
	if err != nil {
		return fmt.Errorf("msgqueue: persist queue-info: %w", err)
	}

	props := []diskstream.Property{
		mustIntQI("size", int64(info.Size)),
		mustIntQI("writeSegment", int64(info.WriteSegment)),
		mustIntQI("writeOffset", info.WriteOffset),
		mustIntQI("readSegment", int64(info.ReadSegment)),
		mustIntQI("readOffset", info.ReadOffset),
	}
	hdr := diskstream.RecordHeader{RecType: diskstream.RecOPB, ObjID: 1, Version: 1, ClassName: "qinfo"}
	if err := diskstream.WriteRecord(stream, hdr, props); err != nil {
		stream.Close()
		return err
	}
	return stream.Close()
}

func mustIntQI(name string, v int64) diskstream.Property {
	raw, _ := diskstream.EncodeProperty(diskstream.TypeLong, v)
	return diskstream.Property{Name: name, Type: diskstream.TypeLong, Value: raw}
}

// readQueueInfo loads a previously persisted checkpoint, if one exists.
// A missing file is not an error: it just means the queue starts empty.
func readQueueInfo(dir, prefix string) (*QueueInfo, error) {
	if _, err := os.Stat(qiPath(dir, prefix)); err != nil {
		return nil, nil
	}

	stream, err := diskstream.Open(diskstream.Config{Dir: dir, Prefix: qiPrefix(prefix), Mode: diskstream.ModeRead, MaxSegments: 1})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	_, props, err := diskstream.ReadRecord(stream)
	if err != nil {
		return nil, err
	}

	info := &QueueInfo{}
	for _, p := range props {
		v, err := diskstream.DecodeInt(p.Value)
		if err != nil {
			return nil, err
		}
		switch p.Name {
		case "size":
			info.Size = int(v)
		case "writeSegment":
			info.WriteSegment = int(v)
		case "writeOffset":
			info.WriteOffset = v
		case "readSegment":
			info.ReadSegment = int(v)
		case "readOffset":
			info.ReadOffset = v
		}
	}
	return info, nil
}

func removeQueueInfo(dir, prefix string) {
	os.Remove(qiPath(dir, prefix))
}
