package internal

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"simplepresence/internal/presence"
)

func (model *WatchModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		if typedMessage.Type == tea.KeyCtrlC {
			model.closeConn()
			return model, tea.Quit
		}
		if model.editingTag {
			return model.updateTagInput(typedMessage)
		}
		switch typedMessage.String() {
		case "q", "Q":
			model.closeConn()
			return model, tea.Quit
		case "a", "A":
			return model, model.toggleStatus()
		case "t", "T":
			model.editingTag = true
			model.textInput.SetValue("")
			return model, model.textInput.Focus()
		}
		return model, nil

	case connectedMsg:
		model.conn = typedMessage.conn
		model.connected = true
		model.connErr = nil
		model.haveCount = false
		model.addNotice("connected")
		return model, tea.Batch(model.announceCmds(), readOnceCmd(model.conn))

	case connectFailedMsg:
		model.connected = false
		model.connErr = typedMessage.err
		return model, model.scheduleReconnect()

	case reconnectMsg:
		return model, model.connectCmd()

	case errorMsg:
		if model.conn == nil {
			return model, nil
		}
		model.closeConn()
		model.connected = false
		model.connErr = typedMessage.err
		return model, model.scheduleReconnect()

	case responseMsg:
		model.handleResponse(Response(typedMessage))
		if model.conn == nil {
			return model, nil
		}
		return model, readOnceCmd(model.conn)
	}
	return model, nil
}

func (model *WatchModel) updateTagInput(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		model.editingTag = false
		model.textInput.Blur()
		return model, nil
	case tea.KeyEnter:
		next := strings.TrimSpace(model.textInput.Value())
		model.editingTag = false
		model.textInput.Blur()
		if next == "" || next == model.tag {
			return model, nil
		}
		return model, model.retag(next)
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

func (model *WatchModel) toggleStatus() tea.Cmd {
	if model.status == presence.StatusOnline {
		model.status = presence.StatusAway
	} else {
		model.status = presence.StatusOnline
	}
	if model.conn == nil {
		return nil
	}
	req := Request{ID: model.allocID(), Type: RequestUpdate, Tag: model.tag, Status: string(model.status)}
	return sendCmd(model.conn, model.writeMutex, req)
}

// retag cancels the current subscription and announces the new tag.
func (model *WatchModel) retag(tag string) tea.Cmd {
	model.tag = tag
	model.haveCount = false
	if model.conn == nil {
		return nil
	}
	off := Request{ID: model.allocID(), Type: RequestOff, Sub: model.subID}
	return tea.Sequence(sendCmd(model.conn, model.writeMutex, off), model.announceCmds())
}

func (model *WatchModel) handleResponse(resp Response) {
	switch resp.Type {
	case ResponseCount:
		if resp.ID != model.subID || resp.Count == nil {
			return
		}
		if !model.haveCount || *resp.Count != model.count {
			model.lastChange = time.Now()
		}
		model.count = *resp.Count
		model.haveCount = true
	case ResponseOK:
		if resp.Count != nil && resp.Tag == model.tag {
			model.count = *resp.Count
			model.haveCount = true
			model.lastChange = time.Now()
		}
	case ResponseError:
		model.addNotice(fmt.Sprintf("request %d failed: %s (%s)", resp.ID, resp.Error, resp.Code))
	case ResponseDone:
		model.addNotice(fmt.Sprintf("subscription %d ended", resp.ID))
	}
}
