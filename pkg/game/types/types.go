package types

// GamePhase is the lifecycle stage of a room.
type GamePhase string

const (
	// GamePhaseLobby is the pre-game state where players can join.
	GamePhaseLobby GamePhase = "LOBBY"
	// GamePhasePlaying is the active game state where cards are played.
	GamePhasePlaying GamePhase = "PLAYING"
	// GamePhaseGameOver is the terminal state after a winner is declared.
	GamePhaseGameOver GamePhase = "GAME_OVER"
)

// CardType is one of the fixed card faces in the deck.
type CardType string

const (
	CardTypeTaco    CardType = "Taco"
	CardTypeGato    CardType = "Gato"
	CardTypeCabra   CardType = "Cabra"
	CardTypeQueijo  CardType = "Queijo"
	CardTypePizza   CardType = "Pizza"
	CardTypeGorila  CardType = "Gorila"
	CardTypeNarval  CardType = "Narval"
	CardTypeMarmota CardType = "Marmota"
)

// Card is a single card instance. Immutable once created.
type Card struct {
	ID        string   `json:"id"`
	Type      CardType `json:"type"`
	IsSpecial bool     `json:"isSpecial"`
}

// Player is one seated participant. Seating order in GameState.Players
// is turn order. The last element of Hand is the next card to play.
type Player struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	Hand                 []Card `json:"hand"`
	IsHost               bool   `json:"isHost"`
	CardsPlayedThisRound int    `json:"cardsPlayedThisRound"`
	Avatar               string `json:"avatar"`
	// IsOnline is derived from presence tracking on every
	// reconciliation and carries no authority in the snapshot.
	IsOnline bool `json:"isOnline"`
}

// Copy returns a deep copy of the player.
func (p *Player) Copy() Player {
	out := *p
	out.Hand = make([]Card, len(p.Hand))
	copy(out.Hand, p.Hand)
	return out
}

// SlapRecord captures one slap attempt during an open slap window.
type SlapRecord struct {
	PlayerID  string `json:"playerId"`
	Timestamp int64  `json:"timestamp"`
}

// Reaction is an ephemeral emoji signal. Not version-guarded.
type Reaction struct {
	ID        string `json:"id"`
	PlayerID  string `json:"playerId"`
	Emoji     string `json:"emoji"`
	Timestamp int64  `json:"timestamp"`
}

// ChatMessage is an ephemeral chat line. Not version-guarded.
type ChatMessage struct {
	ID         string `json:"id"`
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp"`
}
