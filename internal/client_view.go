package internal

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"simplepresence/internal/presence"
)

var (
	appTitleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	headerStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	countBoxStyle   = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 4).MarginTop(1)
	countStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	statusStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle  = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	errorStyle      = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	awayStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	noticeStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	inputBoxStyle   = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	menuHintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	dividerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
)

func (model *WatchModel) View() string {
	headerSegments := []string{
		"Presence",
		fmt.Sprintf("Tag %s", model.tag),
		fmt.Sprintf("Key %s", model.appKey),
	}
	header := headerStyle.Render(strings.Join(headerSegments, dividerStyle))

	var statusLine string
	switch {
	case model.connErr != nil && !model.connected:
		statusLine = errorStyle.Render("Connection error: " + model.connErr.Error())
	case model.connected:
		statusLine = connectedStyle.Render("Connected")
	default:
		statusLine = connectingStyle.Render("Connecting…")
	}

	sections := []string{header, statusLine, model.renderCount()}
	if model.status == presence.StatusAway {
		sections = append(sections, awayStyle.Render("You are away and not counted."))
	}
	for _, notice := range model.notices {
		sections = append(sections, noticeStyle.Render(notice))
	}
	if model.editingTag {
		sections = append(sections, inputBoxStyle.Render(model.textInput.View()))
		sections = append(sections, menuHintStyle.Render("Enter to switch tag • Esc cancel"))
	} else {
		sections = append(sections, menuHintStyle.Render("a toggle away • t change tag • q quit"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *WatchModel) renderCount() string {
	if !model.haveCount {
		return countBoxStyle.Render(connectingStyle.Render("waiting for count…"))
	}
	noun := "viewers"
	if model.count == 1 {
		noun = "viewer"
	}
	body := lipgloss.JoinVertical(lipgloss.Center,
		appTitleStyle.Render(model.tag),
		countStyle.Render(fmt.Sprintf("%d %s", model.count, noun)),
	)
	if !model.lastChange.IsZero() {
		body = lipgloss.JoinVertical(lipgloss.Center, body,
			statusStyle.Render("changed "+model.lastChange.Format("15:04:05")))
	}
	return countBoxStyle.Render(body)
}
