package model

import "testing"

func TestParsePathNormalizes(t *testing.T) {
	p, err := ParsePath("/users/alice/name/")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.String() != "users/alice/name" {
		t.Errorf("expected normalized path, got %q", p.String())
	}
}

func TestParsePathRejectsEmpty(t *testing.T) {
	if _, err := ParsePath(""); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := ParsePath("///"); err == nil {
		t.Error("expected error for path with only slashes")
	}
}

func TestParsePathRejectsWhitespaceSegment(t *testing.T) {
	if _, err := ParsePath("users/ /name"); err == nil {
		t.Error("expected error for whitespace-only segment")
	}
}

func TestEqual(t *testing.T) {
	a := MustParsePath("users/alice")
	b := MustParsePath("users/alice")
	c := MustParsePath("users/bob")
	if !a.Equal(b) {
		t.Error("expected equal paths to compare equal")
	}
	if a.Equal(c) {
		t.Error("expected different paths to compare unequal")
	}
}

func TestIsAncestorOf(t *testing.T) {
	users := MustParsePath("users")
	alice := MustParsePath("users/alice")
	name := MustParsePath("users/alice/name")

	if !users.IsAncestorOf(alice) {
		t.Error("expected users to be an ancestor of users/alice")
	}
	if !users.IsAncestorOf(name) {
		t.Error("expected users to be an ancestor of users/alice/name")
	}
	if alice.IsAncestorOf(users) {
		t.Error("did not expect a descendant to be its own ancestor's ancestor")
	}
	if alice.IsAncestorOf(alice) {
		t.Error("a path is not a strict ancestor of itself")
	}
}

func TestRelatedTo(t *testing.T) {
	users := MustParsePath("users")
	alice := MustParsePath("users/alice")
	bob := MustParsePath("users/bob")

	if !users.RelatedTo(alice) {
		t.Error("expected ancestor relation to be related")
	}
	if !alice.RelatedTo(users) {
		t.Error("expected descendant relation to be related")
	}
	if !alice.RelatedTo(alice) {
		t.Error("expected identical paths to be related")
	}
	if alice.RelatedTo(bob) {
		t.Error("did not expect sibling paths to be related")
	}
}
