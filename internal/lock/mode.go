package lock

// Mode is one of the five hierarchical lock modes from spec §4.6.
type Mode uint8

const (
	IS  Mode = iota // intention-shared
	IX              // intention-exclusive
	S               // shared
	SIX             // shared + intention-exclusive
	X               // exclusive
)

func (m Mode) String() string {
	switch m {
	case IS:
		return "IS"
	case IX:
		return "IX"
	case S:
		return "S"
	case SIX:
		return "SIX"
	case X:
		return "X"
	default:
		return "?"
	}
}

// compatible[a][b] is true when a holder in mode a and a requester in
// mode b may both hold the same resource at once (spec §4.6's
// compatibility matrix).
var compatible = [5][5]bool{
	//           IS     IX     S      SIX    X
	/* IS  */ {true, true, true, true, false},
	/* IX  */ {true, true, false, false, false},
	/* S   */ {true, false, true, false, false},
	/* SIX */ {true, false, false, false, false},
	/* X   */ {false, false, false, false, false},
}

// Compatible reports whether held and requested may be granted together.
func Compatible(held, requested Mode) bool {
	return compatible[held][requested]
}

// stronger reports whether a supersedes (is at least as strong as) b, used
// to decide whether an upgrade is actually required.
var stronger = map[Mode]map[Mode]bool{
	IS:  {IS: true},
	IX:  {IS: true, IX: true},
	S:   {IS: true, S: true},
	SIX: {IS: true, IX: true, S: true, SIX: true},
	X:   {IS: true, IX: true, S: true, SIX: true, X: true},
}

// Subsumes reports whether holding `have` already satisfies a request
// for `want`, so Acquire can skip re-locking or detect a true upgrade.
func Subsumes(have, want Mode) bool {
	return stronger[have][want]
}

// AncestorMode returns the intention mode Acquire must hold on every
// ancestor of a resource locked in mode m. Requests for S or IS need only
// IS on ancestors; everything else (X, IX, SIX) needs IX, since SIX and X
// both imply exclusive access somewhere below and a sibling transaction
// taking IS on the same ancestor could still race an IX holder's
// in-progress child modification if the ancestor lock were only IS. This
// is the corrected rule from the original lock manager, which granted IS
// for X/IX/SIX too.
func AncestorMode(m Mode) Mode {
	switch m {
	case S, IS:
		return IS
	default:
		return IX
	}
}

// Combine returns the mode that results from a transaction already
// holding `have` on a resource and being granted `add` as well (used when
// intention and shared locks stack into SIX).
func Combine(have, add Mode) Mode {
	if have == add {
		return have
	}
	pair := [2]Mode{have, add}
	if pair == [2]Mode{IX, S} || pair == [2]Mode{S, IX} {
		return SIX
	}
	if Subsumes(have, add) {
		return have
	}
	if Subsumes(add, have) {
		return add
	}
	// No other combination is reachable under strict 2PL acquisition
	// order (ancestors always taken as intention modes first), but fall
	// back to the strictly stronger of the two rather than panic.
	if add == X || have == X {
		return X
	}
	return SIX
}
