package schemas

import "time"

// -- Store Schemas --

// Account is a remembered login. Passwords are never stored.
type Account struct {
	Username    string    `json:"username"`
	Platform    string    `json:"platform"`
	LastLoginAt time.Time `json:"lastLoginAt"`
}

// PublishRecord is one row of publish history.
type PublishRecord struct {
	ID            string        `json:"id"`
	Username      string        `json:"username"`
	Platform      string        `json:"platform"`
	Title         string        `json:"title"`
	Mode          PublishMode   `json:"mode"`
	Status        PublishStatus `json:"status"`
	Board         string        `json:"board,omitempty"`
	URL           string        `json:"url,omitempty"`
	Verified      bool          `json:"verified"`
	ImagesPlaced  int           `json:"imagesPlaced"`
	ImagesSkipped int           `json:"imagesSkipped"`
	Reason        string        `json:"reason,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
}
