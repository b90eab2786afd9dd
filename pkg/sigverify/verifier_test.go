package sigverify

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
)

func signText(t *testing.T, key *ecdsa.PrivateKey, message string) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	// Present the signature the way wallets do: V in {27, 28}.
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig)
}

func TestRecoverRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	message := LoginMessage(addr)
	sig := signText(t, key, message)

	recovered, err := Recover(message, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != strings.ToLower(addr) {
		t.Fatalf("recovered %s, want %s", recovered, strings.ToLower(addr))
	}
}

func TestVerifyAddressCaseInsensitive(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	message := LoginMessage(addr)
	sig := signText(t, key, message)

	for _, claimed := range []string{addr, strings.ToLower(addr), strings.ToUpper(strings.TrimPrefix(addr, "0x"))} {
		if !strings.HasPrefix(claimed, "0x") {
			claimed = "0x" + claimed
		}
		if err := VerifyAddress(message, sig, claimed); err != nil {
			t.Fatalf("verify claimed %s: %v", claimed, err)
		}
	}
}

func TestVerifyAddressRejectsOtherSigner(t *testing.T) {
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()
	message := CourseDetailMessage("course-1")
	sig := signText(t, key, message)

	err := VerifyAddress(message, sig, crypto.PubkeyToAddress(other.PublicKey).Hex())
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestRecoverRejectsMutatedSignature(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	message := LoginMessage(addr)
	sig := signText(t, key, message)

	raw, _ := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	for i := 0; i < len(raw); i++ {
		mutated := make([]byte, len(raw))
		copy(mutated, raw)
		mutated[i] ^= 0x01
		recovered, err := Recover(message, hex.EncodeToString(mutated))
		// A flipped bit must never still verify as the original signer.
		if err == nil && recovered == addr {
			t.Fatalf("mutated signature at byte %d still recovered the signer", i)
		}
	}
}

func TestRecoverRejectsMalformedInput(t *testing.T) {
	cases := []string{"", "0x", "zz", "0xdeadbeef", strings.Repeat("ab", 64)}
	for _, sig := range cases {
		if _, err := Recover("hello", sig); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("signature %q: expected ErrInvalidSignature, got %v", sig, err)
		}
	}
}

func TestMessageTemplatesBindPurpose(t *testing.T) {
	key, _ := crypto.GenerateKey()
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	loginSig := signText(t, key, LoginMessage(addr))

	// A login signature must not authorize a course-detail request.
	if err := VerifyAddress(CourseDetailMessage("course-1"), loginSig, addr); err == nil {
		t.Fatal("login signature accepted for course-detail message")
	}
	if err := VerifyAddress(NicknameMessage("alice"), loginSig, addr); err == nil {
		t.Fatal("login signature accepted for nickname message")
	}
}
