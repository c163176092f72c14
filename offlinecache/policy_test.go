package offlinecache

import "testing"

type fixedRand float64

func (r fixedRand) Float64() float64 { return float64(r) }

func TestShouldSaveOnCloseUsesTheThirtyPercentThreshold(t *testing.T) {
	if !ShouldSaveOnClose(fixedRand(0.29)) {
		t.Error("0.29 should fall under the 30% threshold")
	}
	if ShouldSaveOnClose(fixedRand(0.3)) {
		t.Error("0.3 should not fall under the 30% threshold")
	}
	if ShouldSaveOnClose(fixedRand(0.9)) {
		t.Error("0.9 should not fall under the 30% threshold")
	}
}
