package risk

import "time"

// Clock 抽象时间便于测试评估时间戳。
type Clock interface {
	Now() time.Time
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// SystemClock 默认时钟，返回 UTC 时间。
var SystemClock Clock = utcClock{}

// FixedClock 固定时间，测试用。
type FixedClock time.Time

func (c FixedClock) Now() time.Time { return time.Time(c) }
