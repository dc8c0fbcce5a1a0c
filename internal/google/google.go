// Package google verifies Google Play purchase signatures.
//
// Play signs the purchase JSON with the app's license key (RSA with SHA-1,
// PKCS #1 v1.5). Verification is fully local; unlike Apple there is no
// upstream call, so a Play verification can never report an outage.
package google

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/ridgeline-games/commerce/internal/receipts"
)

// Verifier checks Play purchase signatures against the license public key.
type Verifier struct {
	pub *rsa.PublicKey
}

// NewVerifier parses the base64 DER public key shown in the Play console.
func NewVerifier(licenseKey string) (*Verifier, error) {
	der, err := base64.StdEncoding.DecodeString(licenseKey)
	if err != nil {
		return nil, fmt.Errorf("google: decode license key: %w", err)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("google: parse license key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("google: license key is %T, want RSA", key)
	}
	return &Verifier{pub: pub}, nil
}

// canonicalPurchase re-marshals the purchase into the field order Play uses
// when signing. Clients sometimes re-encode the JSON in transit; verifying
// the canonical form first recovers those receipts.
type canonicalPurchase struct {
	OrderID       string `json:"orderId"`
	PackageName   string `json:"packageName"`
	ProductID     string `json:"productId"`
	PurchaseTime  int64  `json:"purchaseTime"`
	PurchaseState int    `json:"purchaseState"`
	PurchaseToken string `json:"purchaseToken"`
	Quantity      int    `json:"quantity,omitempty"`
	Acknowledged  bool   `json:"acknowledged"`
}

// Verify checks the signature over the purchase JSON. The canonical form is
// tried first, then the raw payload exactly as received.
func (v *Verifier) Verify(_ context.Context, receiptJSON, signature string) (*receipts.StoreAnswer, error) {
	sig, err := decodeSignature(signature)
	if err != nil {
		return &receipts.StoreAnswer{Valid: false}, nil
	}

	var purchase canonicalPurchase
	if err := json.Unmarshal([]byte(receiptJSON), &purchase); err != nil {
		return &receipts.StoreAnswer{Valid: false}, nil
	}

	canonical, err := json.Marshal(purchase)
	if err != nil {
		return nil, fmt.Errorf("google: marshal canonical purchase: %w", err)
	}

	valid := v.check(canonical, sig) || v.check([]byte(receiptJSON), sig)
	if !valid {
		return &receipts.StoreAnswer{Valid: false}, nil
	}

	return &receipts.StoreAnswer{
		Valid: true,
		Receipt: &receipts.Receipt{
			Store:         receipts.StoreGoogle,
			PackageName:   purchase.PackageName,
			ProductID:     purchase.ProductID,
			PurchaseTime:  purchase.PurchaseTime,
			PurchaseState: purchase.PurchaseState,
			PurchaseToken: purchase.PurchaseToken,
			Quantity:      quantity(purchase.Quantity),
			Acknowledged:  purchase.Acknowledged,
		},
	}, nil
}

func (v *Verifier) check(payload, sig []byte) bool {
	digest := sha1.Sum(payload) // #nosec G401 -- Play license signatures use SHA-1
	return rsa.VerifyPKCS1v15(v.pub, crypto.SHA1, digest[:], sig) == nil
}

// decodeSignature accepts standard and URL-safe base64, padded or not.
func decodeSignature(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("google: signature is not base64")
}

func quantity(q int) int {
	if q < 1 {
		return 1
	}
	return q
}

var _ receipts.GoogleGateway = (*Verifier)(nil)
