package training

// ReduceLROnPlateau multiplies the learning rate by Factor when the
// validation loss has not improved by more than MinDelta for Patience epochs.
// The rate never drops below MinLR.
type ReduceLROnPlateau struct {
	Factor   float64
	Patience int
	MinDelta float64
	MinLR    float64

	best        float64
	badEpochs   int
	initialized bool
}

// NewReduceLROnPlateau creates a plateau scheduler. Out-of-range arguments
// fall back to 0.2, 5, 1e-4 and 0.
func NewReduceLROnPlateau(factor float64, patience int, minDelta, minLR float64) *ReduceLROnPlateau {
	if factor <= 0 || factor >= 1 {
		factor = 0.2
	}
	if patience <= 0 {
		patience = 5
	}
	if minDelta < 0 {
		minDelta = 1e-4
	}
	if minLR < 0 {
		minLR = 0
	}
	return &ReduceLROnPlateau{
		Factor:   factor,
		Patience: patience,
		MinDelta: minDelta,
		MinLR:    minLR,
	}
}

// Step records one epoch's validation loss and returns the learning rate to
// use next, together with whether it was reduced.
func (s *ReduceLROnPlateau) Step(valLoss, currentLR float64) (float64, bool) {
	if !s.initialized {
		s.best = valLoss
		s.initialized = true
		return currentLR, false
	}
	if valLoss < s.best-s.MinDelta {
		s.best = valLoss
		s.badEpochs = 0
		return currentLR, false
	}
	s.badEpochs++
	if s.badEpochs < s.Patience {
		return currentLR, false
	}
	s.badEpochs = 0
	next := currentLR * s.Factor
	if next < s.MinLR {
		next = s.MinLR
	}
	return next, next < currentLR
}

// Reset clears the tracked optimum. Call it at the start of each phase.
func (s *ReduceLROnPlateau) Reset() {
	s.best, s.badEpochs, s.initialized = 0, 0, false
}

// EarlyStopping ends a phase after Patience epochs without a strictly better
// validation accuracy and remembers the epoch that produced the best one.
type EarlyStopping struct {
	Patience int

	best      float64
	bestEpoch int
	waited    int
	seen      bool
}

// NewEarlyStopping creates an early stopping monitor. patience <= 0 disables it.
func NewEarlyStopping(patience int) *EarlyStopping {
	return &EarlyStopping{Patience: patience, bestEpoch: -1}
}

// Observe records one epoch's validation accuracy. It reports whether the
// accuracy improved on the phase best and whether training should stop.
func (e *EarlyStopping) Observe(epoch int, valAccuracy float64) (improved, stop bool) {
	if !e.seen || valAccuracy > e.best {
		e.best = valAccuracy
		e.bestEpoch = epoch
		e.waited = 0
		e.seen = true
		return true, false
	}
	e.waited++
	return false, e.Patience > 0 && e.waited >= e.Patience
}

// Best returns the best accuracy seen and the epoch it was seen at, or -1
// before any observation.
func (e *EarlyStopping) Best() (float64, int) {
	return e.best, e.bestEpoch
}

// Reset clears all state.
func (e *EarlyStopping) Reset() {
	e.best, e.bestEpoch, e.waited, e.seen = 0, -1, 0, false
}
