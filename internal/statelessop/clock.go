package statelessop

import "time"

func wallClockMS() int64 {
	return time.Now().UnixMilli()
}
