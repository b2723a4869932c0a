package mock

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// Edit is one recorded ChannelMessageEditComplex call.
type Edit struct {
	ChannelID string
	MessageID string
	Embeds    []*discordgo.MessageEmbed
	Buttons   []discordgo.MessageComponent
}

// Messenger records channel messages for test assertions.
type Messenger struct {
	mu sync.Mutex

	// Sent records ChannelMessageSendComplex calls.
	Sent []*discordgo.MessageSend

	// SentChannels holds the channel of each Sent entry.
	SentChannels []string

	// Texts records ChannelMessageSend calls.
	Texts []string

	// Edits records ChannelMessageEditComplex calls.
	Edits []Edit

	// SendErr and EditErr are returned when non-nil.
	SendErr error
	EditErr error

	next int
}

// ChannelMessageSendComplex records data and returns a message with a fresh ID.
func (m *Messenger) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return nil, m.SendErr
	}
	m.Sent = append(m.Sent, data)
	m.SentChannels = append(m.SentChannels, channelID)
	m.next++
	return &discordgo.Message{ID: fmt.Sprintf("msg-%d", m.next), ChannelID: channelID}, nil
}

// ChannelMessageEditComplex records the edit.
func (m *Messenger) ChannelMessageEditComplex(e *discordgo.MessageEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EditErr != nil {
		return nil, m.EditErr
	}
	rec := Edit{ChannelID: e.Channel, MessageID: e.ID}
	if e.Embeds != nil {
		rec.Embeds = *e.Embeds
	}
	if e.Components != nil {
		rec.Buttons = *e.Components
	}
	m.Edits = append(m.Edits, rec)
	return &discordgo.Message{ID: e.ID, ChannelID: e.Channel}, nil
}

// ChannelMessageSend records a plain text message.
func (m *Messenger) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return nil, m.SendErr
	}
	m.Texts = append(m.Texts, content)
	m.next++
	return &discordgo.Message{ID: fmt.Sprintf("msg-%d", m.next), ChannelID: channelID, Content: content}, nil
}

// Counts returns the number of complex sends, edits and text messages.
func (m *Messenger) Counts() (sent, edits, texts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Sent), len(m.Edits), len(m.Texts)
}

// LastEdit returns the most recent edit.
func (m *Messenger) LastEdit() (Edit, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Edits) == 0 {
		return Edit{}, false
	}
	return m.Edits[len(m.Edits)-1], true
}

// TextsSnapshot returns a copy of the text messages sent so far.
func (m *Messenger) TextsSnapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Texts...)
}
