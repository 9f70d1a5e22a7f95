package game

import (
	"math/rand"

	"github.com/Qadosh7/Taco/pkg/game/constants"
	"github.com/Qadosh7/Taco/pkg/game/types"
	"github.com/google/uuid"
)

type deckEntry struct {
	cardType  types.CardType
	quantity  int
	isSpecial bool
}

var deckConfig = []deckEntry{
	{types.CardTypeTaco, constants.OrdinaryCopies, false},
	{types.CardTypeGato, constants.OrdinaryCopies, false},
	{types.CardTypeCabra, constants.OrdinaryCopies, false},
	{types.CardTypeQueijo, constants.OrdinaryCopies, false},
	{types.CardTypePizza, constants.OrdinaryCopies, false},
	{types.CardTypeGorila, constants.SpecialCopies, true},
	{types.CardTypeNarval, constants.SpecialCopies, true},
	{types.CardTypeMarmota, constants.SpecialCopies, true},
}

// wordSequence is the cyclic call sequence. The expected word for a play
// is indexed by the pile length before the card is appended, modulo the
// sequence length, so the first card always checks against position 0.
var wordSequence = [constants.SequenceLength]types.CardType{
	types.CardTypeTaco,
	types.CardTypeGato,
	types.CardTypeCabra,
	types.CardTypeQueijo,
	types.CardTypePizza,
}

// WordAt returns the expected word for a play when the table pile has
// pileLen cards before the play.
func WordAt(pileLen int) types.CardType {
	return wordSequence[pileLen%constants.SequenceLength]
}

// NewDeck builds a full unshuffled deck instance with unique card ids.
func NewDeck() []types.Card {
	deck := make([]types.Card, 0, constants.DeckSize)
	for _, entry := range deckConfig {
		for i := 0; i < entry.quantity; i++ {
			deck = append(deck, types.Card{
				ID:        uuid.NewString(),
				Type:      entry.cardType,
				IsSpecial: entry.isSpecial,
			})
		}
	}
	return deck
}

// ShuffleDeck returns a uniformly shuffled copy of the deck.
func ShuffleDeck(deck []types.Card) []types.Card {
	shuffled := make([]types.Card, len(deck))
	copy(shuffled, deck)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled
}

// DealCards distributes the deck round-robin across the players in seat
// order until the deck is exhausted. Hand sizes differ by at most 1.
func DealCards(players []types.Player, deck []types.Card) []types.Player {
	if len(players) == 0 {
		return players
	}
	dealt := make([]types.Player, len(players))
	for i := range players {
		dealt[i] = players[i].Copy()
		dealt[i].Hand = []types.Card{}
		dealt[i].CardsPlayedThisRound = 0
	}
	for i, card := range deck {
		seat := i % len(players)
		dealt[seat].Hand = append(dealt[seat].Hand, card)
	}
	return dealt
}
