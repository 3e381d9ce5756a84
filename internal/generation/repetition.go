package generation

// Repetition detector tuning. A pattern of MinPeriod..MaxPeriod tokens
// repeated Threshold times back to back stops the stream.
const (
	MinPeriod = 4
	MaxPeriod = 8
	Threshold = 3
)

// Detector watches a bounded window of recently emitted tokens for an
// immediately repeating n-gram.
type Detector struct {
	minPeriod, maxPeriod, threshold int
	window                          []string
}

// NewDetector returns a detector with the package defaults.
func NewDetector() *Detector {
	return &Detector{
		minPeriod: MinPeriod,
		maxPeriod: MaxPeriod,
		threshold: Threshold,
		window:    make([]string, 0, MaxPeriod*Threshold),
	}
}

// Add records tok and reports whether the tail of the window now consists
// of threshold consecutive copies of some n-gram.
func (d *Detector) Add(tok string) bool {
	size := d.maxPeriod * d.threshold
	if len(d.window) == size {
		copy(d.window, d.window[1:])
		d.window = d.window[:size-1]
	}
	d.window = append(d.window, tok)
	for p := d.minPeriod; p <= d.maxPeriod; p++ {
		if d.repeats(p) {
			return true
		}
	}
	return false
}

func (d *Detector) repeats(period int) bool {
	need := period * d.threshold
	w := d.window
	if len(w) < need {
		return false
	}
	tail := w[len(w)-need:]
	blank := true
	for i := period; i < need; i++ {
		if tail[i] != tail[i-period] {
			return false
		}
	}
	for _, t := range tail[:period] {
		if t != "" {
			blank = false
			break
		}
	}
	return !blank
}

// Reset empties the window.
func (d *Detector) Reset() { d.window = d.window[:0] }
