package jobs

import (
	"math"
	"math/rand/v2"
	"time"
)

// 再試行バックオフのパラメーター。
// attempt 回目（1始まり）の失敗後の待機時間は
// base * multiplier^(attempt-1) を cap で頭打ちにし、±jitter の
// 一様乱数を掛けた値になります。
const (
	backoffBase       = 500 * time.Millisecond
	backoffMultiplier = 2.0
	backoffMax        = 30 * time.Second
	backoffJitter     = 0.2
)

// RetryDelay は attempt 回目の失敗後に待つべき時間を返します。
// ワーカーループから独立してテストできる純粋関数です（乱数はジッターのみ）。
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(backoffBase) * math.Pow(backoffMultiplier, float64(attempt-1))
	if d > float64(backoffMax) {
		d = float64(backoffMax)
	}

	// ±20% の一様ジッターで再試行の同期を崩す
	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(d * jitter)
}
