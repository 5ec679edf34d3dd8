// Package vad provides an energy-based voice activity detector. Windows are
// split into frames, each frame gets a smoothed voice probability, and a
// window counts as voiced when enough of its frames cross the threshold.
package vad
