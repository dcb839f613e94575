package stageexec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
)

// Binary glTF 2.0 container constants.
const (
	glbMagic     = "glTF"
	glbVersion   = 2
	glbChunkJSON = 0x4E4F534A
	glbHeaderLen = 12
)

// isGLB reports whether data starts with a binary glTF 2.0 header.
func isGLB(data []byte) bool {
	return len(data) >= glbHeaderLen &&
		string(data[:4]) == glbMagic &&
		binary.LittleEndian.Uint32(data[4:8]) == glbVersion
}

// placeholderModel builds a GLB holding an empty scene whose extras carry the
// visual features, so downstream tools still receive a loadable model.
func placeholderModel(f *VisualFeatures) ([]byte, error) {
	doc := map[string]any{
		"asset":  map[string]any{"version": "2.0", "generator": "studio placeholder"},
		"scene":  0,
		"scenes": []any{map[string]any{"name": "avatar", "nodes": []int{0}}},
		"nodes":  []any{map[string]any{"name": "avatar-root"}},
		"extras": f,
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	// Chunks are 4-byte aligned; JSON pads with spaces.
	for len(js)%4 != 0 {
		js = append(js, ' ')
	}

	var buf bytes.Buffer
	total := glbHeaderLen + 8 + len(js)
	buf.WriteString(glbMagic)
	for _, v := range []uint32{glbVersion, uint32(total), uint32(len(js)), glbChunkJSON} {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			return nil, err
		}
	}
	buf.Write(js)
	return buf.Bytes(), nil
}
