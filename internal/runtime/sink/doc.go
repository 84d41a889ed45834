// Package sink contains the two record destinations: the relational
// persistence writer and the diagnostic console.
package sink
