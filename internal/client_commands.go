package internal

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"golang.org/x/xerrors"
)

type (
	connectedMsg     struct{ conn *websocket.Conn }
	connectFailedMsg struct{ err error }
	responseMsg      Response
	errorMsg         struct{ err error }
	reconnectMsg     struct{}
)

func (model *WatchModel) scheduleReconnect() tea.Cmd {
	const retryDelay = 2 * time.Second
	return tea.Tick(retryDelay, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

func (model *WatchModel) connectCmd() tea.Cmd {
	serverURL, appKey := model.serverURL, model.appKey
	return func() tea.Msg {
		joinURL, err := buildPresenceURL(serverURL, appKey)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		conn, resp, err := websocket.DefaultDialer.Dial(joinURL, http.Header{})
		if err != nil {
			if resp != nil {
				err = xerrors.Errorf("dial (HTTP %d): %w", resp.StatusCode, err)
			}
			return connectFailedMsg{err: err}
		}
		return connectedMsg{conn: conn}
	}
}

func readOnceCmd(conn *websocket.Conn) tea.Cmd {
	return func() tea.Msg {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return errorMsg{err: err}
		}
		var resp Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			return errorMsg{err: xerrors.Errorf("decode server frame: %w", err)}
		}
		return responseMsg(resp)
	}
}

func sendCmd(conn *websocket.Conn, mu *sync.Mutex, req Request) tea.Cmd {
	return func() tea.Msg {
		encoded, err := json.Marshal(req)
		if err != nil {
			return errorMsg{err: err}
		}
		mu.Lock()
		err = conn.WriteMessage(websocket.TextMessage, encoded)
		mu.Unlock()
		if err != nil {
			return errorMsg{err: err}
		}
		return nil
	}
}

// announceCmds publishes the current tag and status and subscribes to the
// tag's count.
func (model *WatchModel) announceCmds() tea.Cmd {
	update := Request{ID: model.allocID(), Type: RequestUpdate, Tag: model.tag, Status: string(model.status)}
	model.subID = model.allocID()
	on := Request{ID: model.subID, Type: RequestOn, Tag: model.tag}
	return tea.Sequence(
		sendCmd(model.conn, model.writeMutex, update),
		sendCmd(model.conn, model.writeMutex, on),
	)
}

func (model *WatchModel) closeConn() {
	if model.conn == nil {
		return
	}
	model.writeMutex.Lock()
	_ = model.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	model.writeMutex.Unlock()
	_ = model.conn.Close()
	model.conn = nil
}

// RunClient is the entry point for the watch TUI.
func RunClient(serverURL, appKey, tag string) error {
	program := tea.NewProgram(NewWatchModel(serverURL, appKey, tag))
	_, err := program.Run()
	return err
}
