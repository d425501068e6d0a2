package checkpoint

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"reflect"
	"time"
)

// Blob file layout:
//
//	[4]  magic "CKPT"
//	[1]  format version
//	[4]  header length (big endian)
//	[n]  JSON blobHeader
//	[..] gzip-compressed gob payload
const (
	blobMagic         = "CKPT"
	blobFormatVersion = byte(1)
	blobPrefixLen     = len(blobMagic) + 1 + 4
)

// blobHeader describes the payload so a reader can reject stale or foreign data.
type blobHeader struct {
	SchemaVersion int       `json:"schema_version"`
	Type          string    `json:"type"`
	CreatedAt     time.Time `json:"created_at"`
	CRC32         uint32    `json:"crc32"`
	Size          int       `json:"size"`
}

// BlobInfo is the decoded header of an opaque checkpoint.
type BlobInfo struct {
	SchemaVersion int
	Type          string
	CreatedAt     time.Time
	Size          int
}

func encodeBlob(value any, schemaVersion int, now time.Time) ([]byte, error) {
	var payload bytes.Buffer
	zw := gzip.NewWriter(&payload)
	if err := gob.NewEncoder(zw).Encode(value); err != nil {
		zw.Close()
		return nil, fmt.Errorf("gob encode %s: %w", typeName(value), err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}

	header, err := json.Marshal(blobHeader{
		SchemaVersion: schemaVersion,
		Type:          typeName(value),
		CreatedAt:     now.UTC(),
		CRC32:         crc32.ChecksumIEEE(payload.Bytes()),
		Size:          payload.Len(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode blob header: %w", err)
	}

	out := make([]byte, 0, blobPrefixLen+len(header)+payload.Len())
	out = append(out, blobMagic...)
	out = append(out, blobFormatVersion)
	out = binary.BigEndian.AppendUint32(out, uint32(len(header)))
	out = append(out, header...)
	out = append(out, payload.Bytes()...)
	return out, nil
}

func readBlobHeader(data []byte) (blobHeader, []byte, error) {
	if len(data) < blobPrefixLen || string(data[:len(blobMagic)]) != blobMagic {
		return blobHeader{}, nil, fmt.Errorf("%w: bad magic", ErrCorrupted)
	}
	if v := data[len(blobMagic)]; v != blobFormatVersion {
		return blobHeader{}, nil, fmt.Errorf("%w: unsupported blob format %d", ErrSchemaMismatch, v)
	}
	headerLen := int(binary.BigEndian.Uint32(data[len(blobMagic)+1 : blobPrefixLen]))
	if headerLen <= 0 || blobPrefixLen+headerLen > len(data) {
		return blobHeader{}, nil, fmt.Errorf("%w: truncated header", ErrCorrupted)
	}
	var header blobHeader
	if err := json.Unmarshal(data[blobPrefixLen:blobPrefixLen+headerLen], &header); err != nil {
		return blobHeader{}, nil, fmt.Errorf("%w: header: %v", ErrCorrupted, err)
	}
	payload := data[blobPrefixLen+headerLen:]
	if len(payload) != header.Size {
		return blobHeader{}, nil, fmt.Errorf("%w: payload size %d, header says %d", ErrCorrupted, len(payload), header.Size)
	}
	if crc := crc32.ChecksumIEEE(payload); crc != header.CRC32 {
		return blobHeader{}, nil, fmt.Errorf("%w: crc32 stored=%08x computed=%08x", ErrCorrupted, header.CRC32, crc)
	}
	return header, payload, nil
}

func decodeBlob(data []byte, dst any, schemaVersion int) error {
	header, payload, err := readBlobHeader(data)
	if err != nil {
		return err
	}
	if schemaVersion > 0 && header.SchemaVersion != schemaVersion {
		return fmt.Errorf("%w: schema %d, want %d", ErrSchemaMismatch, header.SchemaVersion, schemaVersion)
	}
	if want := typeName(dst); header.Type != want {
		return fmt.Errorf("%w: stored type %s, want %s", ErrSchemaMismatch, header.Type, want)
	}
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: gzip: %v", ErrCorrupted, err)
	}
	defer zr.Close()
	if err := gob.NewDecoder(zr).Decode(dst); err != nil && err != io.EOF {
		return fmt.Errorf("gob decode %s: %w", header.Type, err)
	}
	return nil
}

// typeName names the concrete type behind value with pointers stripped, so a
// value saved as T or *T can be loaded into *T.
func typeName(value any) string {
	t := reflect.TypeOf(value)
	if t == nil {
		return "<nil>"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.String()
}
