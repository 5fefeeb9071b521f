package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var timeUnits = []struct {
	suffix string
	unit   time.Duration
}{
	// "ms" 必须先于 "m" 和 "s" 检查
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", time.Hour * 24},
}

// ParseStringTime 解析 "500ms"、"10s"、"5m"、"48h"、"2d" 形式的时间字符串
func ParseStringTime(timeString string) (time.Duration, error) {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	for _, u := range timeUnits {
		cutString, found := strings.CutSuffix(timeString, u.suffix)
		if !found {
			continue
		}
		number, err := strconv.Atoi(cutString)
		if err != nil {
			return 0, fmt.Errorf("error parsing time string %q: %w", timeString, err)
		}
		if number < 0 {
			return 0, fmt.Errorf("negative time string: %s", timeString)
		}
		return time.Duration(number) * u.unit, nil
	}
	return 0, fmt.Errorf("invalid time format: %s", timeString)
}

// DurationToSeconds 将时间转换为 MQTT 使用的 16 位秒数，超出范围时截断为 65535
func DurationToSeconds(d time.Duration) uint16 {
	seconds := d / time.Second
	if seconds < 0 {
		return 0
	}
	if seconds > 0xFFFF {
		return 0xFFFF
	}
	return uint16(seconds)
}
