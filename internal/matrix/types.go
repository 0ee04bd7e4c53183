package matrix

// MemberEvent is a single membership change extracted from a sync
// response. Invite-state events arrive stripped by the server and carry no
// event id; the consumer must treat those as always-fresh.
type MemberEvent struct {
	EventID    string
	RoomID     string
	UserID     string // the state_key: the user whose membership changed
	Sender     string
	Membership string // invite | join | leave | ban
}

// SyncBatch is one /sync response reduced to what the bot consumes: the
// membership changes in delivery order and the cursor for the next call.
type SyncBatch struct {
	NextBatch string
	Events    []MemberEvent
}

type syncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]struct {
			Timeline struct {
				Events []rawEvent `json:"events"`
			} `json:"timeline"`
		} `json:"join"`
		Invite map[string]struct {
			InviteState struct {
				Events []rawEvent `json:"events"`
			} `json:"invite_state"`
		} `json:"invite"`
		Leave map[string]struct {
			Timeline struct {
				Events []rawEvent `json:"events"`
			} `json:"timeline"`
		} `json:"leave"`
	} `json:"rooms"`
}

type rawEvent struct {
	Type     string `json:"type"`
	EventID  string `json:"event_id"`
	Sender   string `json:"sender"`
	StateKey string `json:"state_key"`
	Content  struct {
		Membership string `json:"membership"`
	} `json:"content"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
	UserID      string `json:"user_id"`
}

type hierarchyResponse struct {
	Rooms []struct {
		RoomID string `json:"room_id"`
	} `json:"rooms"`
	NextBatch string `json:"next_batch"`
}

type createRoomResponse struct {
	RoomID string `json:"room_id"`
}

type displayNameResponse struct {
	DisplayName string `json:"displayname"`
}
