// Package block parses a single G-code line into a motion-planned
// Block: target coordinates, arc geometry when applicable, and a
// trapezoidal or triangular velocity profile bounded by the
// machine's acceleration and feed limits.
package block

import (
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/golang/glog"

	"github.com/cnc-go/ccnc/point"
)

// MotionType identifies what kind of move a Block commands.
type MotionType int

const (
	Rapid MotionType = iota
	Line
	ArcCW
	ArcCCW
	NoMotion
)

func (t MotionType) String() string {
	switch t {
	case Rapid:
		return "RAPID"
	case Line:
		return "LINE"
	case ArcCW:
		return "ARC_CW"
	case ArcCCW:
		return "ARC_CCW"
	case NoMotion:
		return "NO_MOTION"
	default:
		return "UNKNOWN"
	}
}

// Error kinds per the error handling design.
var (
	ErrUnknownWord             = errors.New("block: unknown G-code word")
	ErrMixedArc                = errors.New("block: R combined with I or J")
	ErrArcMismatch             = errors.New("block: arc center inconsistent with start/target radius")
	ErrInsufficientAcceleration = errors.New("block: arc requires imaginary tangential acceleration")
)

// Limits is the read-only subset of machine configuration a Block
// needs to parse and plan itself. The Program hands this down at
// parse time; Block never holds a live *machine.Machine reference.
type Limits struct {
	Accel    float64
	CycleTime float64
	MaxError float64
	FeedMax  float64
	Zero     point.Point
}

// Profile is the velocity-profile record computed by planProfile:
// acceleration/deceleration rates, cruise feed, segment durations,
// and the quantised total duration.
type Profile struct {
	APlus  float64 // acceleration rate, mm/s^2
	AMinus float64 // deceleration rate (negative), mm/s^2
	F      float64 // cruise feed, mm/s
	L      float64 // curvilinear length, mm
	Dt1    float64 // acceleration segment duration, s
	DtM    float64 // cruise segment duration, s
	Dt2    float64 // deceleration segment duration, s
	Dt     float64 // total quantised duration, s
}

// Block is one parsed G-code line.
type Block struct {
	Number  int
	Tool    int
	Type    MotionType
	Feed    float64 // mm/min, as commanded
	Spindle float64 // RPM

	Target point.Point
	Delta  point.Point

	I, J, R    float64
	Center     point.Point
	Radius     float64
	SweepAngle float64 // signed delta theta
	Theta0     float64

	Length  float64 // curvilinear length
	Accel   float64 // effective acceleration used for the profile
	ArcFeed float64 // effective feed used for the profile, mm/min

	Profile Profile

	line       string
	executable bool
	warnings   int

	prev, next *Block
}

var wordRe = regexp.MustCompile(`^[A-Za-z](MAX|[-+]?[0-9]*\.?[0-9]+)$`)

// Parse tokenizes line, applies modal inheritance from prev (nil for
// the program's first block), computes arc geometry and the
// velocity profile, and returns the new Block. Unknown words are
// only counted as warnings. A mixed-arc, arc-geometry or
// insufficient-acceleration error returns the block marked
// non-executable together with the error; a word whose argument
// fails to convert returns a nil block and the error. Whether the
// rest of the program is still parsed is up to the caller (Program
// treats every error as fatal).
func Parse(line string, prev *Block, lim Limits) (*Block, error) {
	b := &Block{line: line, executable: true}
	if prev != nil {
		b.Tool = prev.Tool
		b.Feed = prev.Feed
		b.Spindle = prev.Spindle
		b.Type = prev.Type
		b.prev = prev
		prev.next = b
	} else {
		b.Type = NoMotion
	}

	var hasI, hasJ, hasR bool
	for _, word := range strings.Fields(line) {
		if !wordRe.MatchString(word) {
			glog.Warningf("block %d: %v: %q", b.Number, ErrUnknownWord, word)
			b.warnings++
			continue
		}
		cmd := byte(strings.ToUpper(word[:1])[0])
		arg := word[1:]
		switch cmd {
		case 'N':
			n, err := strconv.Atoi(arg)
			if err != nil {
				return nil, fmt.Errorf("block: bad N word %q: %w", word, err)
			}
			b.Number = n
		case 'G':
			g, err := strconv.Atoi(arg)
			if err != nil {
				return nil, fmt.Errorf("block: bad G word %q: %w", word, err)
			}
			switch g {
			case 0:
				b.Type = Rapid
			case 1:
				b.Type = Line
			case 2:
				b.Type = ArcCW
			case 3:
				b.Type = ArcCCW
			default:
				glog.Warningf("block %d: %v: G%d", b.Number, ErrUnknownWord, g)
				b.warnings++
			}
		case 'X':
			v, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return nil, fmt.Errorf("block: bad X word %q: %w", word, err)
			}
			b.Target.SetXCoord(v)
		case 'Y':
			v, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return nil, fmt.Errorf("block: bad Y word %q: %w", word, err)
			}
			b.Target.SetYCoord(v)
		case 'Z':
			v, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return nil, fmt.Errorf("block: bad Z word %q: %w", word, err)
			}
			b.Target.SetZCoord(v)
		case 'I':
			v, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return nil, fmt.Errorf("block: bad I word %q: %w", word, err)
			}
			b.I, hasI = v, true
		case 'J':
			v, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return nil, fmt.Errorf("block: bad J word %q: %w", word, err)
			}
			b.J, hasJ = v, true
		case 'R':
			v, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return nil, fmt.Errorf("block: bad R word %q: %w", word, err)
			}
			b.R, hasR = v, true
		case 'F':
			if strings.EqualFold(arg, "MAX") {
				b.Feed = lim.FeedMax
			} else {
				v, err := strconv.ParseFloat(arg, 64)
				if err != nil {
					return nil, fmt.Errorf("block: bad F word %q: %w", word, err)
				}
				if v > lim.FeedMax {
					v = lim.FeedMax
				}
				b.Feed = v
			}
		case 'S':
			v, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return nil, fmt.Errorf("block: bad S word %q: %w", word, err)
			}
			b.Spindle = v
		case 'T':
			v, err := strconv.Atoi(arg)
			if err != nil {
				return nil, fmt.Errorf("block: bad T word %q: %w", word, err)
			}
			b.Tool = v
		default:
			glog.Warningf("block %d: %v: %q", b.Number, ErrUnknownWord, word)
			b.warnings++
		}
	}

	if hasR && (hasI || hasJ) {
		b.executable = false
		return b, fmt.Errorf("block %d: %w", b.Number, ErrMixedArc)
	}

	start := b.startPoint(lim.Zero)
	b.Target = point.Modal(start, b.Target)
	b.Delta = point.Delta(start, b.Target)
	b.Length = point.Dist(start, b.Target)

	switch b.Type {
	case Line:
		b.Accel = lim.Accel
		b.ArcFeed = b.Feed
		b.Profile = planProfile(b.Length, b.ArcFeed/60, b.Accel, lim.CycleTime)
	case ArcCW, ArcCCW:
		if err := b.resolveArc(start, hasI, hasJ, hasR, lim); err != nil {
			b.executable = false
			return b, err
		}
		f := math.Min(b.Feed, math.Sqrt(lim.Accel/2*b.Radius)*60)
		radicand := lim.Accel*lim.Accel - math.Pow(f/60, 4)/(b.Radius*b.Radius)
		if radicand < 0 {
			b.executable = false
			return b, fmt.Errorf("block %d: %w", b.Number, ErrInsufficientAcceleration)
		}
		b.ArcFeed = f
		b.Accel = math.Sqrt(radicand)
		b.Profile = planProfile(b.Length, b.ArcFeed/60, b.Accel, lim.CycleTime)
	}
	return b, nil
}

// startPoint returns a reliable previous point: the previous block's
// target, or machine zero if this is the first block.
func (b *Block) startPoint(zero point.Point) point.Point {
	if b.prev != nil {
		return b.prev.Target
	}
	return zero
}

// Executable reports whether the block passed parsing well enough to
// be driven by the FSM.
func (b *Block) Executable() bool { return b.executable }

// Warnings returns the count of non-fatal parse warnings (unknown
// words) accumulated while parsing this block.
func (b *Block) Warnings() int { return b.warnings }

// Next returns the following block in the program, or nil.
func (b *Block) Next() *Block { return b.next }

// Prev returns the preceding block in the program, or nil.
func (b *Block) Prev() *Block { return b.prev }

// Line returns the original source line.
func (b *Block) Line() string { return b.line }

// resolveArc computes Center, Radius, Theta0, and SweepAngle for an
// ARC_CW/ARC_CCW block, per the I,J or R forms.
func (b *Block) resolveArc(start point.Point, hasI, hasJ, hasR bool, lim Limits) error {
	if hasR {
		dx := b.Target.X - start.X
		dy := b.Target.Y - start.Y
		d2 := dx*dx + dy*dy
		r := b.R
		// Half-chord to center-offset distance; guards a slightly
		// negative radicand from floating point error at d == 2r.
		h2 := r*r - d2/4
		if h2 < 0 {
			h2 = 0
		}
		h := math.Sqrt(h2)
		mx, my := start.X+dx/2, start.Y+dy/2
		// unit vector perpendicular to the chord
		chordLen := math.Sqrt(d2)
		var ux, uy float64
		if chordLen > 0 {
			ux, uy = -dy/chordLen, dx/chordLen
		}
		sign := 1.0
		cw := b.Type == ArcCW
		switch {
		case r > 0 && cw:
			sign = 1
		case r > 0 && !cw:
			sign = -1
		case r < 0 && cw:
			sign = -1
		case r < 0 && !cw:
			sign = 1
		}
		cx := mx + sign*h*ux
		cy := my + sign*h*uy
		b.Center.SetXYZ(cx, cy, 0)
		b.Radius = math.Abs(r)
	} else {
		cx := start.X + b.I
		cy := start.Y + b.J
		b.Center.SetXYZ(cx, cy, 0)
		b.Radius = math.Hypot(b.I, b.J)
		rf := point.Dist(point.New(cx, cy, 0), point.New(b.Target.X, b.Target.Y, 0))
		if math.Abs(rf-b.Radius) > lim.MaxError {
			return fmt.Errorf("block %d: %w", b.Number, ErrArcMismatch)
		}
	}
	if b.Radius < lim.MaxError {
		return fmt.Errorf("block %d: %w: radius %.6g below machine_error", b.Number, ErrArcMismatch, b.Radius)
	}

	theta0 := math.Atan2(start.Y-b.Center.Y, start.X-b.Center.X)
	thetaF := math.Atan2(b.Target.Y-b.Center.Y, b.Target.X-b.Center.X)
	dtheta := thetaF - theta0
	for dtheta <= 0 {
		dtheta += 2 * math.Pi
	}
	for dtheta > 2*math.Pi {
		dtheta -= 2 * math.Pi
	}
	if b.Type == ArcCW {
		dtheta -= 2 * math.Pi
	}
	b.Theta0 = theta0
	b.SweepAngle = dtheta
	b.Length = math.Hypot(b.Target.Z-start.Z, math.Abs(dtheta)*b.Radius)
	return nil
}

// planProfile implements the trapezoidal/triangular velocity profile
// of spec section 4.4: given the curvilinear length l, target feed f
// (mm/s) and acceleration a, compute the quantised duration and the
// stored profile fields.
func planProfile(length, feed, accel, tq float64) Profile {
	if length <= 0 || feed <= 0 || accel <= 0 {
		return Profile{L: length}
	}
	dt1 := feed / accel
	dt2 := dt1
	dtm := length/feed - (dt1+dt2)/2

	var p Profile
	if dtm > 0 {
		total := dt1 + dtm + dt2
		quantised := math.Ceil(total/tq) * tq
		dq := quantised - total
		dtm += dq
		f := 2 * length / (dt1 + dt2 + 2*dtm)
		p = Profile{APlus: f / dt1, AMinus: -f / dt2, F: f, L: length, Dt1: dt1, DtM: dtm, Dt2: dt2, Dt: quantised}
	} else {
		dt1 = math.Sqrt(length / accel)
		dt2 = dt1
		total := dt1 + dt2
		quantised := math.Ceil(total/tq) * tq
		dq := quantised - total
		dt2 += dq
		f := 2 * length / (dt1 + dt2)
		p = Profile{APlus: f / dt1, AMinus: -f / dt2, F: f, L: length, Dt1: dt1, DtM: 0, Dt2: dt2, Dt: quantised}
	}
	return p
}

// Lambda returns the normalised curvilinear abscissa (0..1) and the
// instantaneous feed in mm/min at time t (seconds) since the block
// started.
func (b *Block) Lambda(t float64) (lambda, feedMMMin float64) {
	p := b.Profile
	var s, v float64
	switch {
	case t < 0:
		return 0, 0
	case t < p.Dt1:
		v = p.APlus * t
		s = 0.5 * p.APlus * t * t
	case t < p.Dt1+p.DtM:
		v = p.F
		s = p.F*p.Dt1/2 + p.F*(t-p.Dt1)
	case t < p.Dt:
		t2 := p.Dt1 + p.DtM
		v = p.F + p.AMinus*(t-t2)
		accelArea := p.F * p.Dt1 / 2
		cruiseArea := p.F * p.DtM
		decelArea := p.F*(t-t2) + 0.5*p.AMinus*(t-t2)*(t-t2)
		s = accelArea + cruiseArea + decelArea
	default:
		return 1, 0
	}
	if p.L <= 0 {
		return 1, 0
	}
	lambda = s / p.L
	if lambda > 1 {
		lambda = 1
	}
	if lambda < 0 {
		lambda = 0
	}
	return lambda, v * 60
}

// Interpolate computes the (x,y,z) setpoint at curvilinear position
// lambda, along the block's path.
func (b *Block) Interpolate(lambda float64) point.Point {
	start := b.startForInterpolation()
	switch b.Type {
	case Line:
		return point.New(
			start.X+b.Delta.X*lambda,
			start.Y+b.Delta.Y*lambda,
			start.Z+b.Delta.Z*lambda,
		)
	case ArcCW, ArcCCW:
		theta := b.Theta0 + b.SweepAngle*lambda
		x := b.Center.X + b.Radius*math.Cos(theta)
		y := b.Center.Y + b.Radius*math.Sin(theta)
		z := start.Z + b.Delta.Z*lambda
		return point.New(x, y, z)
	default:
		panic(fmt.Sprintf("block: Interpolate called on non-motion type %v", b.Type))
	}
}

func (b *Block) startForInterpolation() point.Point {
	if b.prev != nil {
		return b.prev.Target
	}
	// The first block starts at the machine zero Parse was given,
	// which is Target minus Delta.
	return point.New(b.Target.X-b.Delta.X, b.Target.Y-b.Delta.Y, b.Target.Z-b.Delta.Z)
}

// String formats the block for the program print operation.
func (b *Block) String() string {
	return fmt.Sprintf("%03d %s F%7.1f S%7.1f T%02d (%s)",
		b.Number, b.Target, b.Feed, b.Spindle, b.Tool, b.Type)
}

// Print writes the block's one-line representation to w.
func (b *Block) Print(w io.Writer) error {
	_, err := fmt.Fprintln(w, b.String())
	return err
}
