package constants

const (
	// DeckSize is the total number of cards in one deck instance.
	DeckSize = 64
	// OrdinaryCopies is the number of copies of each ordinary card type.
	OrdinaryCopies = 11
	// SpecialCopies is the number of copies of each special card type.
	SpecialCopies = 3

	// SequenceLength is the length of the cyclic word sequence.
	SequenceLength = 5

	// MinPlayers is the minimum seat count required to start a game.
	MinPlayers = 2

	// RoomCodeLength is the length of the human-typed room code.
	RoomCodeLength = 4
)
