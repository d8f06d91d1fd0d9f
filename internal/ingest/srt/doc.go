// Package srt implements listener-mode SRT ingest: an encoder publishes
// one representation's fragmented MP4 per connection, and the SRT
// stream ID names the representation.
package srt
