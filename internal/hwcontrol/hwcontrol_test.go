package hwcontrol

import "testing"

func TestIrPowerForBoundaries(t *testing.T) {
	cases := []struct {
		name       string
		integLines float64
		want       float64
	}{
		{"below cutoff", 0, minIrPower},
		{"at cutoff", cutoffIL, minIrPower},
		{"at saturate", saturateIL, maxIrPower},
		{"above saturate", saturateIL + 1000, maxIrPower},
		{"midpoint", (cutoffIL + saturateIL) / 2, (minIrPower + maxIrPower) / 2},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := irPowerFor(c.integLines)
			if got != c.want {
				t.Errorf("irPowerFor(%v) = %v, want %v", c.integLines, got, c.want)
			}
		})
	}
}

func TestIrPowerForMonotonic(t *testing.T) {
	prev := irPowerFor(0)
	for il := 0.0; il <= saturateIL+500; il += 50 {
		cur := irPowerFor(il)
		if cur < prev {
			t.Fatalf("irPowerFor not monotonic: f(%v)=%v < previous %v", il, cur, prev)
		}
		prev = cur
	}
}

func TestFirstOrderFilterConvergesToInput(t *testing.T) {
	f := NewFirstOrderFilter(0, 1.0, 0.05)
	var last float64
	for i := 0; i < 1000; i++ {
		last = f.Update(100)
	}
	if diff := last - 100; diff > 0.5 || diff < -0.5 {
		t.Fatalf("filter did not converge: got %v, want ~100", last)
	}
}

func TestFirstOrderFilterStepsTowardTarget(t *testing.T) {
	f := NewFirstOrderFilter(0, 1.0, 0.05)
	first := f.Update(100)
	if first <= 0 || first >= 100 {
		t.Fatalf("first step out of range: got %v", first)
	}
}
