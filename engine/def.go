package engine

import (
	"os"
	"strings"
)

const UNREGISTERED = 0x0001
const REGISTERED = 0x0002
const IDLE = 0x0003
const LOADED = 0x0004
const ERROR = 0x0005

func StateName(s int) string {
	switch s {
	case UNREGISTERED:
		return "unregistered"
	case REGISTERED:
		return "registered"
	case IDLE:
		return "idle"
	case LOADED:
		return "loaded"
	case ERROR:
		return "error"
	}
	return "unknown"
}

func ReadLinesReadFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// 支持 Windows CRLF，去掉尾部的 '\r'
	raw := strings.Split(string(b), "\n")
	for i := range raw {
		raw[i] = strings.TrimRight(raw[i], "\r")
	}
	// 只去掉文件末尾的空行，中间的空行仍占一个 label id
	for len(raw) > 0 && strings.TrimSpace(raw[len(raw)-1]) == "" {
		raw = raw[:len(raw)-1]
	}
	return raw, nil
}

// LabelTable maps label id i+1 to entry i. Id 0 is background and never looked up.
type LabelTable []string

func LoadLabels(path string) (LabelTable, error) {
	lines, err := ReadLinesReadFile(path)
	if err != nil {
		return nil, err
	}
	return LabelTable(lines), nil
}

func (t LabelTable) Lookup(id int) (string, bool) {
	if id <= 0 || id > len(t) {
		return "", false
	}
	return t[id-1], true
}
