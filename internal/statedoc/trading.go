package statedoc

import (
	"encoding/json"

	"github.com/yanun0323/decimal"
)

// PositionDoc is the persisted position state for one symbol.
type PositionDoc struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avgEntryPrice"`
	RealizedPnl   decimal.Decimal `json:"realizedPnl"`
	UpdatedAtNano int64           `json:"updatedAtNano"`
}

// RiskCountersDoc is the persisted risk counter state.
type RiskCountersDoc struct {
	DailyLoss     decimal.Decimal `json:"dailyLoss"`
	OpenOrders    int             `json:"openOrders"`
	GrossExposure decimal.Decimal `json:"grossExposure"`
	UpdatedAtNano int64           `json:"updatedAtNano"`
}

// CheckpointDoc points at a persisted model checkpoint.
type CheckpointDoc struct {
	ModelID       string `json:"modelId"`
	Revision      uint64 `json:"revision"`
	URI           string `json:"uri"`
	TrainedAtNano int64  `json:"trainedAtNano"`
}

// PositionPath returns the document path for a symbol position.
func PositionPath(symbol string) Path {
	return Path("positions/" + symbol)
}

// RiskCountersPath is the document path for the risk counter state.
const RiskCountersPath = Path("risk/counters")

// CheckpointPath returns the document path for a model checkpoint.
func CheckpointPath(modelID string) Path {
	return Path("checkpoints/" + modelID)
}

// ToPayload converts a typed document to a generic payload.
func ToPayload(doc any) (Payload, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// FromPayload decodes a generic payload into a typed document.
func FromPayload(p Payload, doc any) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, doc)
}
