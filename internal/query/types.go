package query

import (
	"ArenaLedger/internal/ledger"

	"github.com/shopspring/decimal"
)

// ParticipantView is a participant with the figures derived at query time.
type ParticipantView struct {
	*ledger.Participant
	Equity        decimal.Decimal   `json:"equity"`
	WinRate       decimal.Decimal   `json:"win_rate"`
	OpenPositions []ledger.Position `json:"open_positions"`
}

// TradePage is one page of trades, newest first.
type TradePage struct {
	Trades []*ledger.Trade `json:"trades"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}
