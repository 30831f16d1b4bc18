package internal

import (
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"simplepresence/internal/presence"
)

const maxNotices = 6

// WatchModel is the bubbletea state of the watch client: one socket that
// announces itself on a tag and shows that tag's live count.
type WatchModel struct {
	textInput  textinput.Model
	serverURL  string
	appKey     string
	tag        string
	status     presence.Status
	count      int
	haveCount  bool
	lastChange time.Time

	conn       *websocket.Conn
	writeMutex *sync.Mutex
	connected  bool
	connErr    error
	editingTag bool

	nextID  uint64
	subID   uint64
	notices []string
}

func NewWatchModel(serverURL, appKey, tag string) *WatchModel {
	input := textinput.New()
	input.Placeholder = "new tag…"
	input.Prompt = "tag> "
	input.CharLimit = 256

	if tag == "" {
		tag = defaultTag()
	}
	return &WatchModel{
		textInput:  input,
		serverURL:  serverURL,
		appKey:     appKey,
		tag:        tag,
		status:     presence.StatusOnline,
		writeMutex: &sync.Mutex{},
	}
}

func defaultTag() string {
	return "/"
}

func (model *WatchModel) Init() tea.Cmd {
	return model.connectCmd()
}

func (model *WatchModel) allocID() uint64 {
	model.nextID++
	return model.nextID
}

func (model *WatchModel) addNotice(text string) {
	model.notices = append(model.notices, text)
	if len(model.notices) > maxNotices {
		model.notices = model.notices[len(model.notices)-maxNotices:]
	}
}
