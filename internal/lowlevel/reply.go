package lowlevel

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/NVIDIA/fission"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// reply sends an OutHeader followed by the fixed-size out structs. A non-OK
// status sends the header alone.
func (s *Session) reply(unique uint64, st fuse.Status, out ...any) error {
	var body bytes.Buffer
	if st.Ok() {
		for _, o := range out {
			if err := binary.Write(&body, binary.NativeEndian, o); err != nil {
				return fmt.Errorf("encode %T: %w", o, err)
			}
		}
	}
	return s.send(unique, st, body.Bytes())
}

func (s *Session) replyBytes(unique uint64, data []byte) error {
	return s.send(unique, fuse.OK, data)
}

func (s *Session) send(unique uint64, st fuse.Status, body []byte) error {
	hdr := fission.OutHeader{
		Len:    uint32(fission.OutHeaderSize + len(body)),
		Error:  -int32(st),
		Unique: unique,
	}
	buf := bytes.NewBuffer(make([]byte, 0, int(hdr.Len)))
	if err := binary.Write(buf, binary.NativeEndian, &hdr); err != nil {
		return err
	}
	buf.Write(body)
	return s.out.Send(buf.Bytes())
}
