package store

import "time"

// Kind discriminates message content.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindFile     Kind = "file"
	KindLocation Kind = "location"
	KindSystem   Kind = "system"
	KindBallot   Kind = "ballot"
)

// IsMedia reports whether messages of this kind carry a media blob.
func (k Kind) IsMedia() bool {
	_, ok := MediaKinds[k]
	return ok
}

// MediaInfo describes how a media kind is stored.
type MediaInfo struct {
	// Relationship is the name of the message→media relation; it is also
	// the prefix of external file names.
	Relationship string
	// BlobColumn is the messages column holding the blob reference.
	BlobColumn string
}

// MediaKinds maps each media kind to its storage metadata.
var MediaKinds = map[Kind]MediaInfo{
	KindAudio: {Relationship: "audio", BlobColumn: "blob_id"},
	KindFile:  {Relationship: "data", BlobColumn: "blob_id"},
	KindImage: {Relationship: "image", BlobColumn: "blob_id"},
	KindVideo: {Relationship: "video", BlobColumn: "blob_id"},
}

// MediaKindOrder lists the media kinds in a stable order.
var MediaKindOrder = []Kind{KindAudio, KindFile, KindImage, KindVideo}

// Content is the closed set of message payloads.
type Content interface {
	Kind() Kind
	isContent()
}

type Text struct {
	Body string
}

type Media struct {
	MediaKind       Kind
	MIMEType        string
	BlobID          string
	ThumbnailBlobID string
	Caption         string
	Filename        string
}

type Location struct {
	Latitude   float64
	Longitude  float64
	POIName    string
	POIAddress string
}

// System is a message generated locally (joins, renames, call notices).
type System struct {
	Type int
}

type Ballot struct {
	BallotID ObjectID
}

func (Text) Kind() Kind     { return KindText }
func (m Media) Kind() Kind  { return m.MediaKind }
func (Location) Kind() Kind { return KindLocation }
func (System) Kind() Kind   { return KindSystem }
func (Ballot) Kind() Kind   { return KindBallot }

func (Text) isContent()     {}
func (Media) isContent()    {}
func (Location) isContent() {}
func (System) isContent()   {}
func (Ballot) isContent()   {}

// ContentState tells whether a message's content has been wiped.
type ContentState string

const (
	StateLive  ContentState = "live"
	StateWiped ContentState = "wiped"
)

// Category of a conversation.
type Category int

const (
	CategoryNormal Category = iota
	CategoryPrivate
)

// Visibility of a conversation in lists.
type Visibility int

const (
	VisibilityDefault Visibility = iota
	VisibilityArchived
	VisibilityPinned
)

// Contact is a remote identity.
type Contact struct {
	ID          ObjectID
	Identity    string
	DisplayName string
}

// Group is a multi-party conversation owner.
type Group struct {
	ID       ObjectID
	GroupKey string
	Name     string
	Members  []ObjectID
}

// Conversation is a 1:1 or group thread. LastMessageID is a weak
// reference and must point at a message of this conversation.
type Conversation struct {
	ID            ObjectID
	ContactID     ObjectID
	GroupID       ObjectID
	Category      Category
	Visibility    Visibility
	LastMessageID ObjectID
	LastUpdate    *time.Time
}

// Message is a single conversation entry.
type Message struct {
	ID             ObjectID
	ConversationID ObjectID
	SenderID       ObjectID
	RemoteID       string
	Content        Content
	Date           *time.Time
	RemoteSentDate *time.Time
	IsOwn          bool
	Sent           bool
	Delivered      bool
	Read           bool
	UserAck        bool
	Rejected       bool
	Starred        bool
	State          ContentState
	DeletedAt      *time.Time
	LastEditedAt   *time.Time
	WillBeDeleted  bool
}

// Kind returns the content kind, or "" when the message has no content.
func (m *Message) Kind() Kind {
	if m.Content == nil {
		return ""
	}
	return m.Content.Kind()
}

// SortDate is the date used for ordering and day sections: the local date
// when set, otherwise the remote sent date.
func (m *Message) SortDate() time.Time {
	if m.Date != nil {
		return *m.Date
	}
	if m.RemoteSentDate != nil {
		return *m.RemoteSentDate
	}
	return time.Time{}
}

// MediaBlob is the binary payload attached to a media message. Data is
// empty when the blob lives in an external file.
type MediaBlob struct {
	ID                    ObjectID
	MessageID             ObjectID
	Relationship          string
	Data                  []byte
	ExternalName          string
	Thumbnail             []byte
	ThumbnailExternalName string
}

// BallotRecord is a poll attached to a conversation.
type BallotRecord struct {
	ID             ObjectID
	ConversationID ObjectID
	Title          string
	Closed         bool
}

// Draft is an unsent message text for a conversation.
type Draft struct {
	ConversationID ObjectID
	Text           string
	UpdatedAt      time.Time
}

// DisplayState holds per-conversation view settings.
type DisplayState struct {
	ConversationID ObjectID
	ScrollPosition int64
	Wallpaper      string
}

// Reaction is an emoji reaction to a message.
type Reaction struct {
	MessageID ObjectID
	ContactID ObjectID
	Emoji     string
	CreatedAt time.Time
}

// EditHistoryEntry keeps a previous text of an edited message.
type EditHistoryEntry struct {
	MessageID ObjectID
	Text      string
	EditedAt  time.Time
}
