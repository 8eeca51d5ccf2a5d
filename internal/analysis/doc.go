// Package analysis validates meeting analysis produced by an external language model.
package analysis
