package ui

import "github.com/charmbracelet/lipgloss"

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	selfStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	agentStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("118"))
	timeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	hintStyle    = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("244"))
	typingStyle  = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("213"))
	noticeStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	messageStyle = lipgloss.NewStyle().PaddingLeft(2)
)
