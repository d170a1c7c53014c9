package fusion

// firstSeen is an insertion-ordered set where the first value stored for a
// key wins. Values come back in the order their keys were first added.
type firstSeen[K comparable, V any] struct {
	index map[K]int
	vals  []V
}

func newFirstSeen[K comparable, V any](capacity int) *firstSeen[K, V] {
	return &firstSeen[K, V]{
		index: make(map[K]int, capacity),
		vals:  make([]V, 0, capacity),
	}
}

// Add stores v under k unless k is already present. It reports whether v was stored.
func (s *firstSeen[K, V]) Add(k K, v V) bool {
	if _, ok := s.index[k]; ok {
		return false
	}
	s.index[k] = len(s.vals)
	s.vals = append(s.vals, v)
	return true
}

func (s *firstSeen[K, V]) Has(k K) bool {
	_, ok := s.index[k]
	return ok
}

func (s *firstSeen[K, V]) Len() int { return len(s.vals) }

func (s *firstSeen[K, V]) Values() []V {
	out := make([]V, len(s.vals))
	copy(out, s.vals)
	return out
}

// SelectAnchors reduces readings, ordered most-recent-first, to one distance
// sample per known anchor. The first reading seen for an anchor is kept;
// readings from anchors missing in the map are ignored.
func SelectAnchors(readings []Reading, anchors map[string]Point, model PathLoss, minAnchors int) ([]DistanceSample, error) {
	if err := checkCalibration(model.OneMeterRSSI, model.Factor); err != nil {
		return nil, err
	}
	seen := newFirstSeen[string, DistanceSample](len(anchors))
	for _, r := range readings {
		if seen.Len() == len(anchors) {
			break
		}
		if _, known := anchors[r.AnchorID]; !known || seen.Has(r.AnchorID) {
			continue
		}
		d, err := model.Distance(r.RSSI)
		if err != nil {
			return nil, err
		}
		seen.Add(r.AnchorID, DistanceSample{AnchorID: r.AnchorID, RSSI: r.RSSI, Distance: d})
	}
	if seen.Len() < minAnchors {
		return nil, &InsufficientAnchorsError{Found: seen.Len(), Required: minAnchors}
	}
	return seen.Values(), nil
}
