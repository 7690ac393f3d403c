package federation

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"
)

func TestCreateLinkVerifyRoundTrip(t *testing.T) {
	parentPub, parentPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	childPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	link, err := CreateLink(parentPriv, "parent-mesh", "child-mesh", childPub, []string{"chat", "vision"}, 2, true, 30)
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	if err := Verify(link, parentPub, time.Now()); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsWrongParentKey(t *testing.T) {
	_, parentPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	childPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	link, err := CreateLink(parentPriv, "parent-mesh", "child-mesh", childPub, nil, 1, false, 0)
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	if err := Verify(link, otherPub, time.Now()); err == nil {
		t.Fatalf("expected verification failure against wrong parent key")
	}
}

func TestVerifyRejectsExpiredLink(t *testing.T) {
	parentPub, parentPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	childPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	link, err := CreateLink(parentPriv, "parent-mesh", "child-mesh", childPub, nil, 1, false, 1)
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	future := time.Now().Add(48 * time.Hour)
	if err := Verify(link, parentPub, future); err == nil {
		t.Fatalf("expected expiry error")
	}
}

func TestNeverExpiresWhenExpiresDaysZero(t *testing.T) {
	parentPub, parentPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	childPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	link, err := CreateLink(parentPriv, "parent-mesh", "child-mesh", childPub, nil, 1, false, 0)
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	farFuture := time.Now().Add(24 * 365 * 100 * time.Hour)
	if err := Verify(link, parentPub, farFuture); err != nil {
		t.Fatalf("link with expires_at=0 should never expire, got: %v", err)
	}
}
