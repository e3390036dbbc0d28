// Package openrtb provides OpenRTB 2.5 request/response types and the codec
// used by the exchange to decode, validate and encode them.
package openrtb

import "encoding/json"

// BidRequest represents an OpenRTB 2.5 bid request
type BidRequest struct {
	ID     string          `json:"id"`
	Imp    []Imp           `json:"imp"`
	Site   *Site           `json:"site,omitempty"`
	App    *App            `json:"app,omitempty"`
	Device *Device         `json:"device,omitempty"`
	User   *User           `json:"user,omitempty"`
	Test   int             `json:"test,omitempty"`
	AT     int             `json:"at,omitempty"` // Auction type: 1=first price, 2=second price
	TMax   int             `json:"tmax,omitempty"`
	Cur    []string        `json:"cur,omitempty"`
	BCat   []string        `json:"bcat,omitempty"`
	BAdv   []string        `json:"badv,omitempty"`
	Ext    json.RawMessage `json:"ext,omitempty"`
}

// Imp represents an impression
type Imp struct {
	ID          string          `json:"id"`
	Banner      *Banner         `json:"banner,omitempty"`
	Video       *Video          `json:"video,omitempty"`
	Audio       *Audio          `json:"audio,omitempty"`
	Native      *Native         `json:"native,omitempty"`
	TagID       string          `json:"tagid,omitempty"`
	BidFloor    float64         `json:"bidfloor,omitempty"`
	BidFloorCur string          `json:"bidfloorcur,omitempty"`
	Secure      *int            `json:"secure,omitempty"`
	Ext         json.RawMessage `json:"ext,omitempty"`
}

// Banner represents a banner impression
type Banner struct {
	Format []Format        `json:"format,omitempty"`
	W      int             `json:"w,omitempty"`
	H      int             `json:"h,omitempty"`
	Pos    int             `json:"pos,omitempty"`
	Ext    json.RawMessage `json:"ext,omitempty"`
}

// Format represents an acceptable banner size
type Format struct {
	W int `json:"w,omitempty"`
	H int `json:"h,omitempty"`
}

// Video represents a video impression
type Video struct {
	Mimes       []string `json:"mimes"`
	MinDuration int      `json:"minduration,omitempty"`
	MaxDuration int      `json:"maxduration,omitempty"`
	Protocols   []int    `json:"protocols,omitempty"`
	W           int      `json:"w,omitempty"`
	H           int      `json:"h,omitempty"`
	StartDelay  *int     `json:"startdelay,omitempty"`
	Linearity   int      `json:"linearity,omitempty"`
}

// Audio represents an audio impression
type Audio struct {
	Mimes       []string `json:"mimes"`
	MinDuration int      `json:"minduration,omitempty"`
	MaxDuration int      `json:"maxduration,omitempty"`
}

// Native represents a native impression
type Native struct {
	Request string `json:"request"`
	Ver     string `json:"ver,omitempty"`
}

// Site represents a website
type Site struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Domain    string          `json:"domain,omitempty"`
	Cat       []string        `json:"cat,omitempty"`
	Page      string          `json:"page,omitempty"`
	Ref       string          `json:"ref,omitempty"`
	Publisher *Publisher      `json:"publisher,omitempty"`
	Ext       json.RawMessage `json:"ext,omitempty"`
}

// App represents a mobile application
type App struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Bundle    string          `json:"bundle,omitempty"`
	Domain    string          `json:"domain,omitempty"`
	StoreURL  string          `json:"storeurl,omitempty"`
	Publisher *Publisher      `json:"publisher,omitempty"`
	Ext       json.RawMessage `json:"ext,omitempty"`
}

// Publisher represents the publisher
type Publisher struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name,omitempty"`
	Domain string `json:"domain,omitempty"`
}

// Device represents the user's device
type Device struct {
	UA         string `json:"ua,omitempty"`
	Geo        *Geo   `json:"geo,omitempty"`
	DNT        *int   `json:"dnt,omitempty"`
	Lmt        *int   `json:"lmt,omitempty"`
	IP         string `json:"ip,omitempty"`
	IPv6       string `json:"ipv6,omitempty"`
	DeviceType int    `json:"devicetype,omitempty"`
	Make       string `json:"make,omitempty"`
	Model      string `json:"model,omitempty"`
	OS         string `json:"os,omitempty"`
	OSV        string `json:"osv,omitempty"`
	Language   string `json:"language,omitempty"`
	IFA        string `json:"ifa,omitempty"`
}

// Geo represents geographic location
type Geo struct {
	Lat     float64 `json:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty"`
	Type    int     `json:"type,omitempty"`
	Country string  `json:"country,omitempty"`
	Region  string  `json:"region,omitempty"`
	City    string  `json:"city,omitempty"`
	ZIP     string  `json:"zip,omitempty"`
}

// User represents the user
type User struct {
	ID       string          `json:"id,omitempty"`
	BuyerUID string          `json:"buyeruid,omitempty"`
	Geo      *Geo            `json:"geo,omitempty"`
	Ext      json.RawMessage `json:"ext,omitempty"`
}

// Device type codes (OpenRTB 2.5 list 5.21)
const (
	DeviceTypeMobileTablet = 1
	DeviceTypePC           = 2
	DeviceTypeConnectedTV  = 3
	DeviceTypePhone        = 4
	DeviceTypeTablet       = 5
	DeviceTypeConnected    = 6
	DeviceTypeSetTopBox    = 7
)

// MediaType names an impression format
type MediaType string

const (
	MediaTypeBanner MediaType = "banner"
	MediaTypeVideo  MediaType = "video"
	MediaTypeAudio  MediaType = "audio"
	MediaTypeNative MediaType = "native"
)

// MediaType returns the primary format requested by the impression
func (imp *Imp) MediaType() MediaType {
	switch {
	case imp.Banner != nil:
		return MediaTypeBanner
	case imp.Video != nil:
		return MediaTypeVideo
	case imp.Native != nil:
		return MediaTypeNative
	case imp.Audio != nil:
		return MediaTypeAudio
	}
	return ""
}

// Size returns the primary width and height of the impression
func (imp *Imp) Size() (int, int) {
	switch {
	case imp.Banner != nil:
		if imp.Banner.W > 0 && imp.Banner.H > 0 {
			return imp.Banner.W, imp.Banner.H
		}
		if len(imp.Banner.Format) > 0 {
			return imp.Banner.Format[0].W, imp.Banner.Format[0].H
		}
	case imp.Video != nil:
		return imp.Video.W, imp.Video.H
	}
	return 0, 0
}

// Country returns the device country, or an empty string
func (r *BidRequest) Country() string {
	if r.Device != nil && r.Device.Geo != nil {
		return r.Device.Geo.Country
	}
	return ""
}

// PublisherID returns the site or app publisher id
func (r *BidRequest) PublisherID() string {
	if r.Site != nil && r.Site.Publisher != nil {
		return r.Site.Publisher.ID
	}
	if r.App != nil && r.App.Publisher != nil {
		return r.App.Publisher.ID
	}
	return ""
}

// Clone returns a copy of the request that can be mutated per endpoint
// without affecting concurrent readers.
func (r *BidRequest) Clone() *BidRequest {
	clone := *r

	if r.Site != nil {
		siteCopy := *r.Site
		if r.Site.Publisher != nil {
			pubCopy := *r.Site.Publisher
			siteCopy.Publisher = &pubCopy
		}
		clone.Site = &siteCopy
	}

	if r.App != nil {
		appCopy := *r.App
		if r.App.Publisher != nil {
			pubCopy := *r.App.Publisher
			appCopy.Publisher = &pubCopy
		}
		clone.App = &appCopy
	}

	if r.Device != nil {
		deviceCopy := *r.Device
		if r.Device.Geo != nil {
			geoCopy := *r.Device.Geo
			deviceCopy.Geo = &geoCopy
		}
		clone.Device = &deviceCopy
	}

	if r.User != nil {
		userCopy := *r.User
		if r.User.Geo != nil {
			geoCopy := *r.User.Geo
			userCopy.Geo = &geoCopy
		}
		clone.User = &userCopy
	}

	if len(r.Cur) > 0 {
		clone.Cur = append([]string(nil), r.Cur...)
	}

	if len(r.Imp) > 0 {
		clone.Imp = make([]Imp, len(r.Imp))
		for i, imp := range r.Imp {
			impCopy := imp
			if imp.Banner != nil {
				bannerCopy := *imp.Banner
				if len(imp.Banner.Format) > 0 {
					bannerCopy.Format = append([]Format(nil), imp.Banner.Format...)
				}
				impCopy.Banner = &bannerCopy
			}
			if imp.Video != nil {
				videoCopy := *imp.Video
				impCopy.Video = &videoCopy
			}
			if imp.Audio != nil {
				audioCopy := *imp.Audio
				impCopy.Audio = &audioCopy
			}
			if imp.Native != nil {
				nativeCopy := *imp.Native
				impCopy.Native = &nativeCopy
			}
			clone.Imp[i] = impCopy
		}
	}

	return &clone
}
