package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// codec serialises stored events, optionally gzip-compressed. Decoding
// detects compression from the gzip magic bytes, so stores can switch the
// setting without rewriting old data.
type codec struct {
	compress bool
}

var gzipMagic = []byte{0x1f, 0x8b}

func (c codec) encode(se *StoredEvent) ([]byte, error) {
	data, err := json.Marshal(se)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stored event %s: %w", se.ID, err)
	}
	if !c.compress {
		return data, nil
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress stored event %s: %w", se.ID, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress stored event %s: %w", se.ID, err)
	}
	return buf.Bytes(), nil
}

func (c codec) decode(data []byte) (*StoredEvent, error) {
	if bytes.HasPrefix(data, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to open compressed event: %w", err)
		}
		defer zr.Close()
		if data, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("failed to decompress event: %w", err)
		}
	}

	var se StoredEvent
	if err := json.Unmarshal(data, &se); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored event: %w", err)
	}
	return &se, nil
}
