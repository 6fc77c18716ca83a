package models

import "time"

// EncryptionMeta describes how a stored blob was encrypted. It never holds the key itself.
type EncryptionMeta struct {
	Algorithm string `json:"algorithm"`
	KeyDigest string `json:"key_digest"`
	IV        []byte `json:"iv"`
	ChunkSize int    `json:"chunk_size"`
}

// DataPod represents a sellable dataset stored in TiDB
type DataPod struct {
	ID          string         `json:"id"`
	SellerID    string         `json:"seller_id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Category    string         `json:"category"`
	Tags        []string       `json:"tags,omitempty"`
	Price       int64          `json:"price"`
	ContentHash string         `json:"content_hash"`
	StorageRef  string         `json:"storage_ref"`
	SizeBytes   int64          `json:"size_bytes"`
	Encryption  EncryptionMeta `json:"encryption"`
	Published   bool           `json:"published"`
	PublishedAt *time.Time     `json:"published_at,omitempty"`
	ArchivedAt  *time.Time     `json:"archived_at,omitempty"`
	SaleCount   int64          `json:"sale_count"`
	RatingAvg   float64        `json:"rating_avg"`
	RatingCount int64          `json:"rating_count"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Purchasable reports whether buyers may see and buy the pod.
func (d *DataPod) Purchasable() bool {
	return d.Published && d.ArchivedAt == nil
}

// WrappedKey is a data key sealed with the service key-encryption key.
type WrappedKey struct {
	Ciphertext []byte `json:"-"`
	Digest     string `json:"digest"`
	IV         []byte `json:"iv"`
}

// PurchaseStatus is the lifecycle state of a purchase.
type PurchaseStatus string

const (
	PurchasePendingPayment PurchaseStatus = "pending_payment"
	PurchaseProcessing     PurchaseStatus = "processing"
	PurchaseCompleted      PurchaseStatus = "completed"
	PurchaseRefunded       PurchaseStatus = "refunded"
)

// Terminal reports whether no transition leaves s.
func (s PurchaseStatus) Terminal() bool {
	return s == PurchaseCompleted || s == PurchaseRefunded
}

// Purchase is one buyer's claim on one DataPod
type Purchase struct {
	ID                  string         `json:"id"`
	DataPodID           string         `json:"datapod_id"`
	BuyerID             string         `json:"buyer_id"`
	SellerID            string         `json:"seller_id"`
	AmountPaid          int64          `json:"amount_paid"`
	PaymentRef          string         `json:"payment_ref"`
	Status              PurchaseStatus `json:"status"`
	BuyerStorageRef     string         `json:"-"`
	BuyerKey            *WrappedKey    `json:"-"`
	FulfillmentAttempts int            `json:"fulfillment_attempts"`
	RefundReason        string         `json:"refund_reason,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
	RefundedAt          *time.Time     `json:"refunded_at,omitempty"`
}

// PurchaseTransition is one audited status change.
type PurchaseTransition struct {
	PurchaseID string         `json:"purchase_id"`
	From       PurchaseStatus `json:"from"`
	To         PurchaseStatus `json:"to"`
	Reason     string         `json:"reason,omitempty"`
	At         time.Time      `json:"at"`
}

// Completion holds the buyer-specific delivery data written on processing→completed.
type Completion struct {
	BuyerStorageRef string
	BuyerKey        WrappedKey
}

// EscrowStatus is the custody state of escrowed funds.
type EscrowStatus string

const (
	EscrowHolding  EscrowStatus = "holding"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// Escrow tracks custody of the funds paid for one purchase
type Escrow struct {
	ID            string       `json:"id"`
	PurchaseID    string       `json:"purchase_id"`
	Amount        int64        `json:"amount"`
	BeneficiaryID string       `json:"beneficiary_id"`
	Status        EscrowStatus `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
	SettledAt     *time.Time   `json:"settled_at,omitempty"`
}

// Review is buyer feedback on a completed purchase
type Review struct {
	ID         string    `json:"id"`
	PurchaseID string    `json:"purchase_id"`
	DataPodID  string    `json:"datapod_id"`
	BuyerID    string    `json:"buyer_id"`
	SellerID   string    `json:"seller_id"`
	Rating     int       `json:"rating"`
	Comment    string    `json:"comment"`
	CreatedAt  time.Time `json:"created_at"`
}

// Rating is an aggregate over reviews.
type Rating struct {
	Average float64 `json:"average"`
	Count   int64   `json:"count"`
}

// DataPodFilter narrows ListPublished results.
type DataPodFilter struct {
	Category string
	SellerID string
	MinPrice int64
	MaxPrice int64
	Query    string
}

// Page is an offset/limit window.
type Page struct {
	Limit  int
	Offset int
}

// ChunkData holds one plaintext frame during sealing and opening
type ChunkData struct {
	Data       []byte
	OrderIndex int
	Final      bool
}
