package settings

// Patch is a partial settings update. Nil fields keep their current value.
// Destination keys outside the supported set are ignored when decoding.
type Patch struct {
	RetentionDays *int               `json:"retentionDays,omitempty"`
	Destinations  *DestinationsPatch `json:"destinations,omitempty"`
	Schedule      *SchedulePatch     `json:"schedule,omitempty"`
}

// DestinationsPatch updates individual destinations.
type DestinationsPatch struct {
	GDrive  *GDrivePatch  `json:"gdrive,omitempty"`
	Dropbox *DropboxPatch `json:"dropbox,omitempty"`
}

// GDrivePatch updates Google Drive settings.
type GDrivePatch struct {
	Enabled  *bool   `json:"enabled,omitempty"`
	FolderID *string `json:"folderId,omitempty"`
}

// DropboxPatch updates Dropbox settings. An access token equal to
// MaskedSecret is the client echoing the masked value and is ignored.
type DropboxPatch struct {
	Enabled     *bool   `json:"enabled,omitempty"`
	Folder      *string `json:"folder,omitempty"`
	AccessToken *string `json:"accessToken,omitempty"`
}

// SchedulePatch updates the schedule.
type SchedulePatch struct {
	Enabled  *bool     `json:"enabled,omitempty"`
	Days     *[]int    `json:"days,omitempty"`
	Times    *[]string `json:"times,omitempty"`
	Timezone *string   `json:"timezone,omitempty"`
}

// ApplyTo merges the patch onto s.
func (p Patch) ApplyTo(s *BackupSettings) {
	if p.RetentionDays != nil {
		s.RetentionDays = *p.RetentionDays
	}

	if d := p.Destinations; d != nil {
		if g := d.GDrive; g != nil {
			setBool(&s.Destinations.GDrive.Enabled, g.Enabled)
			setString(&s.Destinations.GDrive.FolderID, g.FolderID)
		}
		if db := d.Dropbox; db != nil {
			setBool(&s.Destinations.Dropbox.Enabled, db.Enabled)
			setString(&s.Destinations.Dropbox.Folder, db.Folder)
			if db.AccessToken != nil && *db.AccessToken != MaskedSecret {
				s.Destinations.Dropbox.AccessToken = *db.AccessToken
			}
		}
	}

	if sc := p.Schedule; sc != nil {
		setBool(&s.Schedule.Enabled, sc.Enabled)
		setString(&s.Schedule.Timezone, sc.Timezone)
		if sc.Days != nil {
			s.Schedule.Days = append([]int(nil), (*sc.Days)...)
		}
		if sc.Times != nil {
			s.Schedule.Times = append([]string(nil), (*sc.Times)...)
		}
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
