package merkle_test

import (
	"bytes"
	"testing"

	"golang.org/x/crypto/blake2b"

	"github.com/spilorenzo/labchain/merkle"
)

func TestRootHashEmpty(t *testing.T) {
	expected := blake2b.Sum256(nil)
	if merkle.RootHash(nil) != expected {
		t.Error("empty leaf list should hash to the digest of no input")
	}
	if merkle.RootHash([][]byte{}) != expected {
		t.Error("nil and empty leaf lists should agree")
	}
}

func TestRootHashSingleLeaf(t *testing.T) {
	leaf := []byte("single leaf")
	expected := blake2b.Sum256(leaf)
	if merkle.RootHash([][]byte{leaf}) != expected {
		t.Error("single leaf root should be the leaf hash itself")
	}
}

func TestRootHashPair(t *testing.T) {
	left := blake2b.Sum256([]byte("left"))
	right := blake2b.Sum256([]byte("right"))
	pair := append(append([]byte{}, left[:]...), right[:]...)
	expected := blake2b.Sum256(pair)
	got := merkle.RootHash([][]byte{[]byte("left"), []byte("right")})
	if got != expected {
		t.Errorf("expected pair root %x, got %x", expected, got)
	}
}

func TestRootHashOddPromotion(t *testing.T) {
	// With three leaves the trailing one is promoted unchanged, so the
	// root is hash(hash(l0||l1) || l2)
	leaves := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	h0 := blake2b.Sum256(leaves[0])
	h1 := blake2b.Sum256(leaves[1])
	h2 := blake2b.Sum256(leaves[2])
	inner := blake2b.Sum256(append(append([]byte{}, h0[:]...), h1[:]...))
	expected := blake2b.Sum256(append(append([]byte{}, inner[:]...), h2[:]...))
	if merkle.RootHash(leaves) != expected {
		t.Error("three-leaf root does not promote the odd leaf")
	}
}

func TestRootHashOrderMatters(t *testing.T) {
	a := merkle.RootHash([][]byte{[]byte("a"), []byte("b")})
	b := merkle.RootHash([][]byte{[]byte("b"), []byte("a")})
	if a == b {
		t.Error("leaf order should change the root")
	}
}

func TestRootHashTamperedLeaf(t *testing.T) {
	leaves := [][]byte{[]byte("tx1"), []byte("tx2"), []byte("tx3"), []byte("tx4")}
	original := merkle.RootHash(leaves)
	tampered := [][]byte{[]byte("tx1"), []byte("txX"), []byte("tx3"), []byte("tx4")}
	if merkle.RootHash(tampered) == original {
		t.Error("changing one leaf should change the root")
	}
	if !bytes.Equal(leaves[1], []byte("tx2")) {
		t.Error("RootHash must not mutate its input")
	}
}
