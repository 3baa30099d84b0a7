package parser

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// 未带单位的读数默认按公斤处理
const defaultUnit = "kg"

// WeightReading 一条解析成功的称重读数
type WeightReading struct {
	Weight float64 `json:"weight"`
	Unit   string  `json:"unit"`
	Status string  `json:"status"`
	Raw    string  `json:"raw"`
}

// RawLine 无法解析时原样转发
type RawLine struct {
	Raw string `json:"raw"`
}

// Parse 解析仪表输出的一行文本。
// 形如 "81050026:    426 kg G" 时冒号前的帧号被丢弃；没有冒号时只取第一个数字。
// 第二个返回值为 false 表示该行不是读数，调用方应退回 RawLine。
func Parse(line string) (WeightReading, bool) {
	trimmed := strings.TrimSpace(line)

	if idx := strings.Index(trimmed, ":"); idx >= 0 {
		rest := strings.TrimSpace(trimmed[idx+1:])
		fields := strings.Fields(strings.ReplaceAll(rest, ",", "."))
		switch {
		case len(fields) >= 3:
			return build(fields[0], fields[1], fields[2], rest)
		case len(fields) == 1:
			return build(fields[0], defaultUnit, "", rest)
		default:
			return WeightReading{}, false
		}
	}

	fields := strings.Fields(strings.ReplaceAll(trimmed, ",", "."))
	if len(fields) == 0 {
		return WeightReading{}, false
	}
	return build(fields[0], defaultUnit, "", trimmed)
}

func build(weight, unit, status, raw string) (WeightReading, bool) {
	// 只接受十进制，排除 0x1p3 这类十六进制浮点写法
	if strings.ContainsAny(weight, "xXpP") {
		return WeightReading{}, false
	}
	w, err := strconv.ParseFloat(weight, 64)
	if err != nil || math.IsNaN(w) || math.IsInf(w, 0) {
		return WeightReading{}, false
	}
	return WeightReading{Weight: w, Unit: unit, Status: status, Raw: raw}, true
}

// RawOf 返回 Parse 失败时应当转发的原文
func RawOf(line string) string {
	trimmed := strings.TrimSpace(line)
	if idx := strings.Index(trimmed, ":"); idx >= 0 {
		return strings.TrimSpace(trimmed[idx+1:])
	}
	return trimmed
}

// Encode 把一行仪表输出序列化为推送给客户端的 JSON
func Encode(line string) string {
	var (
		data []byte
		err  error
	)
	if reading, ok := Parse(line); ok {
		data, err = json.Marshal(reading)
	} else {
		data, err = json.Marshal(RawLine{Raw: RawOf(line)})
	}
	if err != nil {
		// 两种结构都只含字符串和有限浮点数，不会失败
		return ""
	}
	return string(data)
}
