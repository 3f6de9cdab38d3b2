package fragment

// Position identifies which part of a requested host region a fragment covers
type Position uint8

const (
	// PositionNone marks an unused fragment slot
	PositionNone Position = iota
	// PositionLeading is the partial first page of a region whose start is not page-aligned
	PositionLeading
	// PositionMiddle covers the whole pages in the interior of a region
	PositionMiddle
	// PositionTrailing is the partial last page of a region whose end is not page-aligned
	PositionTrailing
)

// MaxFragments is the largest number of fragments a single region can be split into
const MaxFragments = 3

var positionMapping = map[Position]string{
	PositionNone:     "None",
	PositionLeading:  "Leading",
	PositionMiddle:   "Middle",
	PositionTrailing: "Trailing",
}

func (p Position) String() string {
	return positionMapping[p]
}
