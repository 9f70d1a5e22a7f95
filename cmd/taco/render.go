package main

import (
	"fmt"
	"strings"

	"github.com/Qadosh7/Taco/pkg/game"
	"github.com/Qadosh7/Taco/pkg/game/types"
	"github.com/pterm/pterm"
)

// renderState draws the whole room view: one box per player, the table
// pile, and the ephemeral chat/reaction tail.
func renderState(state *types.GameState, localID string) {
	var playerPanels []pterm.Panel
	for i, p := range state.Players {
		playerPanels = append(playerPanels, pterm.Panel{Data: playerBox(state, i, &p, localID)})
	}

	table := pterm.Panel{Data: tableBox(state)}
	bottom := pterm.Panel{Data: ephemeralBox(state)}

	pterm.DefaultPanel.WithPanels([][]pterm.Panel{
		playerPanels,
		{table},
		{bottom},
	}).Render()
}

func playerBox(state *types.GameState, index int, p *types.Player, localID string) string {
	pbox := pterm.DefaultBox.WithLeftPadding(2).WithRightPadding(2).WithTopPadding(1).WithBottomPadding(1)

	title := p.Name
	if p.Avatar != "" {
		title = p.Avatar + " " + title
	}
	if p.IsHost {
		title += " (host)"
	}
	if p.ID == localID {
		title = pterm.LightCyan(title)
	}

	var status string
	if p.IsOnline {
		status = pterm.LightGreen("online")
	} else {
		status = pterm.LightRed("offline")
	}
	turn := ""
	if state.Phase == types.GamePhasePlaying && index == state.CurrentTurnIndex {
		turn = pterm.LightYellow(" <- turn")
	}
	return pbox.WithTitle(title).WithTitleTopLeft().Sprintf("%s%s\nCards: %d", status, turn, len(p.Hand))
}

func tableBox(state *types.GameState) string {
	pbox := pterm.DefaultBox.WithLeftPadding(4).WithRightPadding(4).WithTopPadding(1).WithBottomPadding(1)

	switch state.Phase {
	case types.GamePhaseLobby:
		return pbox.WithTitle(pterm.LightYellow("|LOBBY|")).WithTitleTopCenter().
			Sprintf("Room %s\n%d player(s) seated. Host starts with 'start'.", state.RoomCode, len(state.Players))
	case types.GamePhaseGameOver:
		winner := state.WinnerID
		if i := state.PlayerIndex(state.WinnerID); i >= 0 {
			winner = state.Players[i].Name
		}
		return pbox.WithTitle(pterm.LightGreen("|GAME OVER|")).WithTitleTopCenter().
			Sprintf("%s wins!", winner)
	}

	pile := "empty"
	if n := len(state.TablePile); n > 0 {
		top := state.TablePile[n-1]
		pile = fmt.Sprintf("%d card(s), top: %s", n, cardLabel(top))
	}
	word := string(game.WordAt(len(state.TablePile)))
	line := fmt.Sprintf("Pile: %s\nNext word: %s", pile, pterm.LightMagenta(word))
	if state.IsSlapActive {
		line += "\n" + pterm.BgRed.Sprint(" SLAP! ")
	}
	return pbox.WithTitle(pterm.LightYellow("|TABLE|")).WithTitleTopCenter().Sprintf("%s", line)
}

func ephemeralBox(state *types.GameState) string {
	pbox := pterm.DefaultBox.WithLeftPadding(2).WithRightPadding(2).WithTopPadding(0).WithBottomPadding(0)
	var lines []string
	for _, msg := range state.Chat {
		lines = append(lines, fmt.Sprintf("%s: %s", pterm.LightCyan(msg.PlayerName), msg.Text))
	}
	for _, r := range state.Reactions {
		name := r.PlayerID
		if i := state.PlayerIndex(r.PlayerID); i >= 0 {
			name = state.Players[i].Name
		}
		lines = append(lines, fmt.Sprintf("%s reacted %s", name, r.Emoji))
	}
	if len(lines) == 0 {
		lines = []string{pterm.Gray("no messages yet")}
	}
	return pbox.WithTitle("|CHAT|").WithTitleTopLeft().Sprintf("%s", strings.Join(lines, "\n"))
}

func cardLabel(c types.Card) string {
	if c.IsSpecial {
		return pterm.LightRed(string(c.Type) + "!")
	}
	return string(c.Type)
}
