// Package stabilizer removes hallucinated and unstable text from engine output.
package stabilizer
