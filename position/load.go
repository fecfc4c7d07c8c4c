package position

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Decode 从 JSON 数组解析仓位列表（外部抓取层的交接格式）。
func Decode(r io.Reader) ([]Position, error) {
	var out []Position
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	return out, nil
}

// LoadFile 读取仓位文件
func LoadFile(path string) ([]Position, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open positions file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}
