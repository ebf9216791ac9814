package award

import (
	"time"

	"github.com/classmint/classmint/internal/apperr"
)

// NetworkSimulated labels awards whose token only exists in a SimulatedGateway.
const NetworkSimulated = "simulated"

var (
	// ErrAwardNotFound is returned when no award matches the id.
	ErrAwardNotFound = apperr.New(apperr.KindNotFound, "award not found")

	// ErrAlreadyAssigned means the award left the unassigned pool already.
	ErrAlreadyAssigned = apperr.New(apperr.KindAlreadyAssigned, "award already given out")

	// ErrReserved means another request holds the award for an in-flight chain operation.
	ErrReserved = apperr.New(apperr.KindReserved, "award is being given out by another request")
)

// Attribute is one ERC-721 metadata trait.
type Attribute struct {
	TraitType string `json:"trait_type" validate:"required,max=64"`
	Value     any    `json:"value"`
}

// Metadata is what the token URI describes.
type Metadata struct {
	Name        string      `json:"name" validate:"required,max=120"`
	Description string      `json:"description,omitempty" validate:"max=1000"`
	Points      int         `json:"points" validate:"gte=0,lte=1000000"`
	Image       string      `json:"image,omitempty" validate:"omitempty,url"`
	Attributes  []Attribute `json:"attributes,omitempty" validate:"omitempty,max=32,dive"`
}

// Award is an achievement token. OwnerWalletID is nil while the award sits in
// its creator's pool and is set exactly once.
type Award struct {
	ID              string     `json:"id"`
	TokenID         string     `json:"token_id,omitempty"`
	ContractAddress string     `json:"contract_address,omitempty"`
	Metadata        Metadata   `json:"metadata"`
	CreatorWalletID string     `json:"creator_wallet_id"`
	OwnerWalletID   *string    `json:"owner_wallet_id"`
	Network         string     `json:"network"`
	CreatedAt       time.Time  `json:"created_at"`
	AssignedAt      *time.Time `json:"assigned_at,omitempty"`
	// ReservedBy is the request id whose chain operation currently holds the award.
	ReservedBy string `json:"-"`
}

// Assigned reports whether the award has an owner.
func (a Award) Assigned() bool { return a.OwnerWalletID != nil }

// Minted reports whether a token exists for the award.
func (a Award) Minted() bool { return a.TokenID != "" }

// Simulated reports whether the award lives on the simulated network.
func (a Award) Simulated() bool { return a.Network == NetworkSimulated }

// Settlement applies a confirmed chain operation. An empty OwnerWalletID
// records the token without assigning the award (a pool mint).
type Settlement struct {
	AwardID       string
	RequestID     string
	TokenID       string
	OwnerWalletID string
	TxRef         string
	GasUsed       uint64
	Late          bool
}
