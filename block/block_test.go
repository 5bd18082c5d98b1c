package block

import (
	"errors"
	"math"
	"testing"

	"github.com/cnc-go/ccnc/point"
)

func testLimits() Limits {
	return Limits{
		Accel:     100,
		CycleTime: 0.005,
		MaxError:  0.02,
		FeedMax:   10000,
		Zero:      point.Zero(),
	}
}

func TestParseLineMotion(t *testing.T) {
	b, err := Parse("N10 G1 X100 Y0 Z0 F1000", nil, testLimits())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if b.Type != Line {
		t.Errorf("Type = %v, want Line", b.Type)
	}
	if b.Length != 100 {
		t.Errorf("Length = %v, want 100", b.Length)
	}
	if b.Profile.Dt <= 0 {
		t.Errorf("Profile.Dt = %v, want > 0", b.Profile.Dt)
	}
}

func TestParseModalInheritance(t *testing.T) {
	lim := testLimits()
	b1, err := Parse("N10 G1 X10 Y20 Z0 F600", nil, lim)
	if err != nil {
		t.Fatalf("Parse(b1) error = %v", err)
	}
	b2, err := Parse("N20 X30", b1, lim)
	if err != nil {
		t.Fatalf("Parse(b2) error = %v", err)
	}
	if b2.Feed != 600 {
		t.Errorf("b2.Feed = %v, want inherited 600", b2.Feed)
	}
	if b2.Type != Line {
		t.Errorf("b2.Type = %v, want inherited Line", b2.Type)
	}
	if b2.Target.Y != 20 {
		t.Errorf("b2.Target.Y = %v, want inherited 20", b2.Target.Y)
	}
}

func TestParseUnknownWordWarns(t *testing.T) {
	b, err := Parse("N10 G1 X10 Q5", nil, testLimits())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if b.Warnings() != 1 {
		t.Errorf("Warnings() = %d, want 1", b.Warnings())
	}
	if !b.Executable() {
		t.Error("Executable() = false, want true (unknown word is non-fatal)")
	}
}

func TestParseMixedArcRejected(t *testing.T) {
	_, err := Parse("N10 G2 X10 Y0 I5 R5", nil, testLimits())
	if !errors.Is(err, ErrMixedArc) {
		t.Fatalf("Parse() error = %v, want ErrMixedArc", err)
	}
}

func TestResolveArcIJCenterAndRadius(t *testing.T) {
	lim := testLimits()
	b, err := Parse("N10 G2 X10 Y-10 I10 J0", nil, lim)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if math.Abs(b.Radius-10) > 1e-9 {
		t.Errorf("Radius = %v, want 10", b.Radius)
	}
	wantCenter := point.New(10, 0, 0)
	if math.Abs(b.Center.X-wantCenter.X) > 1e-9 || math.Abs(b.Center.Y-wantCenter.Y) > 1e-9 {
		t.Errorf("Center = %v, want %v", b.Center, wantCenter)
	}
}

func TestResolveArcMismatchRejected(t *testing.T) {
	_, err := Parse("N10 G2 X10 Y-10 I10 J5", nil, testLimits())
	if !errors.Is(err, ErrArcMismatch) {
		t.Fatalf("Parse() error = %v, want ErrArcMismatch", err)
	}
}

func TestPlanProfileTrapezoidal(t *testing.T) {
	p := planProfile(1000, 100, 100, 0.005)
	if p.DtM <= 0 {
		t.Errorf("DtM = %v, want > 0 (trapezoidal profile)", p.DtM)
	}
	if p.Dt1 != p.Dt2 {
		t.Errorf("Dt1 = %v, Dt2 = %v, want symmetric accel/decel", p.Dt1, p.Dt2)
	}
}

func TestPlanProfileTriangular(t *testing.T) {
	p := planProfile(1, 100, 100, 0.005)
	if p.DtM != 0 {
		t.Errorf("DtM = %v, want 0 (triangular profile never reaches cruise)", p.DtM)
	}
}

func TestLambdaMonotonicAndBounded(t *testing.T) {
	b, err := Parse("N10 G1 X100 Y0 Z0 F1000", nil, testLimits())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	var prev float64
	steps := 50
	for i := 0; i <= steps; i++ {
		tt := b.Profile.Dt * float64(i) / float64(steps)
		lambda, _ := b.Lambda(tt)
		if lambda < prev-1e-9 {
			t.Fatalf("Lambda(%v) = %v, decreased from %v", tt, lambda, prev)
		}
		if lambda < 0 || lambda > 1 {
			t.Fatalf("Lambda(%v) = %v, out of [0,1]", tt, lambda)
		}
		prev = lambda
	}
	if prev < 0.999 {
		t.Errorf("Lambda at end of move = %v, want ~1", prev)
	}
}

func TestInterpolateEndpointsMatchTargets(t *testing.T) {
	b, err := Parse("N10 G1 X100 Y50 Z0 F1000", nil, testLimits())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	start := b.Interpolate(0)
	if start.X != 0 || start.Y != 0 || start.Z != 0 {
		t.Errorf("Interpolate(0) = %v, want origin", start)
	}
	end := b.Interpolate(1)
	if math.Abs(end.X-100) > 1e-9 || math.Abs(end.Y-50) > 1e-9 {
		t.Errorf("Interpolate(1) = %v, want target", end)
	}
}

func TestInterpolateArcStaysOnRadius(t *testing.T) {
	b, err := Parse("N10 G2 X10 Y-10 I10 J0", nil, testLimits())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	for _, lambda := range []float64{0, 0.25, 0.5, 0.75, 1} {
		p := b.Interpolate(lambda)
		d := point.Dist(b.Center, p)
		if math.Abs(d-b.Radius) > 1e-6 {
			t.Errorf("Interpolate(%v) distance from center = %v, want %v", lambda, d, b.Radius)
		}
	}
}
