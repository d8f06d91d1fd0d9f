// Package bmff cuts a live ISO-BMFF (fragmented MP4) byte stream into
// boxes and decodes the few box kinds a live republisher needs: the
// initialization boxes (ftyp, moov), fragment headers (moof) and their
// sample flags, and the codec sample entries used to describe a track.
//
// Framing is handled by [NextBox] and the accumulating [Reader]; neither
// inspects box contents. Decoding of moov and moof is delegated to
// github.com/Eyevinn/mp4ff.
package bmff
