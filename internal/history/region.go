package history

// ChunkSize is the horizontal edge length of a chunk in blocks.
const ChunkSize = 16

type RegionKey struct {
	CX int
	CZ int
}

// RegionOf returns the region owning p. A region is (ChunkSize << shift) blocks wide
// on X and Z; Y does not participate.
func RegionOf(p Pos, shift int) RegionKey {
	if shift < 0 {
		shift = 0
	}
	size := ChunkSize << shift
	return RegionKey{CX: floorDiv(p.X, size), CZ: floorDiv(p.Z, size)}
}

func floorDiv(a, b int) int {
	// b > 0
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}
