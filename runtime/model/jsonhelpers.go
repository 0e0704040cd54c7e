package model

import (
	"bytes"
	"encoding/json"
	"io"
)

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

func jsonUnmarshal(content string, out any) error {
	return json.Unmarshal([]byte(content), out)
}
