package object

import (
	"fmt"
	"os"
)

// ObjectBuffer is a named, read-only view of an object file image.
type ObjectBuffer struct {
	Name     string
	Contents []byte
}

func (b ObjectBuffer) Len() int {
	return len(b.Contents)
}

func ReadObjectBuffer(filename string) (ObjectBuffer, error) {
	contents, err := os.ReadFile(filename)
	if err != nil {
		return ObjectBuffer{}, fmt.Errorf("read %s: %w", filename, err)
	}
	return ObjectBuffer{
		Name:     filename,
		Contents: contents,
	}, nil
}
