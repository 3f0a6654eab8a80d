package export

// geohashAlphabet is the standard base-32 geohash character set.
const geohashAlphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

// Geohash encodes a coordinate to the given precision (output characters)
// with the classic longitude-first bit interleaving, so prefixes of the
// result are coarser cells containing the point.
func Geohash(lat, lng float64, precision int) string {
	latLo, latHi := -90.0, 90.0
	lngLo, lngHi := -180.0, 180.0
	bits := [5]byte{16, 8, 4, 2, 1}

	out := make([]byte, 0, precision)
	var ch byte
	bit := 0
	even := true
	for len(out) < precision {
		if even {
			mid := (lngLo + lngHi) / 2
			if lng >= mid {
				ch |= bits[bit]
				lngLo = mid
			} else {
				lngHi = mid
			}
		} else {
			mid := (latLo + latHi) / 2
			if lat >= mid {
				ch |= bits[bit]
				latLo = mid
			} else {
				latHi = mid
			}
		}
		even = !even
		if bit < 4 {
			bit++
		} else {
			out = append(out, geohashAlphabet[ch])
			bit, ch = 0, 0
		}
	}
	return string(out)
}
