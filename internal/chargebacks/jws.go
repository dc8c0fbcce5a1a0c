package chargebacks

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Apple App Store server notifications arrive as JWS compact strings
// (header.payload.signature). Only the payload is read here; the service
// sits behind Apple's authenticated webhook registration and acts solely on
// data it re-checks against its own receipt records.

// NotificationPayload is the decoded outer payload of a server notification.
type NotificationPayload struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	NotificationUUID string `json:"notificationUUID"`
	Data             struct {
		BundleID              string `json:"bundleId"`
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
		SignedRenewalInfo     string `json:"signedRenewalInfo"`
	} `json:"data"`
}

// TransactionInfo is the decoded signedTransactionInfo payload.
type TransactionInfo struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	BundleID              string `json:"bundleId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	RevocationDate        int64  `json:"revocationDate"`
	RevocationReason      int64  `json:"revocationReason"`
}

// DecodeJWSPayload extracts and decodes the payload segment of a JWS
// compact string.
func DecodeJWSPayload(jws string, out any) error {
	segments := strings.Split(jws, ".")
	if len(segments) != 3 {
		return fmt.Errorf("chargebacks: jws has %d segments, want 3", len(segments))
	}

	payload, err := decodeURLBase64(segments[1])
	if err != nil {
		return fmt.Errorf("chargebacks: decode jws payload: %w", err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("chargebacks: parse jws payload: %w", err)
	}
	return nil
}

// decodeURLBase64 tolerates standard-alphabet input and missing padding,
// both seen in the wild.
func decodeURLBase64(s string) ([]byte, error) {
	s = strings.ReplaceAll(s, "+", "-")
	s = strings.ReplaceAll(s, "/", "_")
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return base64.URLEncoding.DecodeString(s)
}
