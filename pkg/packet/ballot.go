package packet

import "fmt"

// Ballot orders leadership claims for one name within one epoch. Ballots are
// compared by Num first and then by Node, so two nodes never issue equal
// ballots.
type Ballot struct {
    Num  int64  `json:"num"`
    Node string `json:"node"`
}

// Compare returns -1, 0 or +1.
func (b Ballot) Compare(o Ballot) int {
    switch {
    case b.Num < o.Num:
        return -1
    case b.Num > o.Num:
        return 1
    case b.Node < o.Node:
        return -1
    case b.Node > o.Node:
        return 1
    }
    return 0
}

func (b Ballot) Less(o Ballot) bool { return b.Compare(o) < 0 }

func (b Ballot) IsZero() bool { return b.Num == 0 && b.Node == "" }

// Next returns the smallest ballot owned by node that exceeds b.
func (b Ballot) Next(node string) Ballot { return Ballot{Num: b.Num + 1, Node: node} }

func (b Ballot) String() string { return fmt.Sprintf("%d:%s", b.Num, b.Node) }

// MaxBallot returns the higher of a and b.
func MaxBallot(a, b Ballot) Ballot {
    if a.Less(b) { return b }
    return a
}
