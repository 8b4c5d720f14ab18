package settings

import (
	"testing"
)

func TestNormalizeTime(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"03:00", "03:00", false},
		{"3:00", "03:00", false},
		{" 23:59 ", "23:59", false},
		{"24:00", "", true},
		{"12:60", "", true},
		{"12:5", "", true},
		{"noon", "", true},
		{"1:2:3", "", true},
		{"003:00", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeTime(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizeTime(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NormalizeTime(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	s := BackupSettings{
		Schedule: Schedule{
			Days:     []int{5, 1, 9, -1, 3, 1},
			Times:    []string{"22:00", "3:00", "03:00"},
			Timezone: " UTC ",
		},
		Destinations: Destinations{
			Dropbox: DropboxDestination{Folder: "clinic/backups/"},
		},
	}
	s.Sanitize()

	wantDays := []int{1, 3, 5}
	if len(s.Schedule.Days) != len(wantDays) {
		t.Fatalf("Days = %v, want %v", s.Schedule.Days, wantDays)
	}
	for i := range wantDays {
		if s.Schedule.Days[i] != wantDays[i] {
			t.Fatalf("Days = %v, want %v", s.Schedule.Days, wantDays)
		}
	}
	if len(s.Schedule.Times) != 2 || s.Schedule.Times[0] != "03:00" || s.Schedule.Times[1] != "22:00" {
		t.Errorf("Times = %v", s.Schedule.Times)
	}
	if s.Schedule.Timezone != "UTC" {
		t.Errorf("Timezone = %q", s.Schedule.Timezone)
	}
	if s.Destinations.Dropbox.Folder != "/clinic/backups" {
		t.Errorf("Dropbox.Folder = %q", s.Destinations.Dropbox.Folder)
	}
}

func TestDefaultBackupSettings_Validates(t *testing.T) {
	s := DefaultBackupSettings(Defaults{})
	if err := s.Validate(); err != nil {
		t.Errorf("defaults should be valid: %v", err)
	}
	if s.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, want 30", s.RetentionDays)
	}
}

func TestEnabledDestinations(t *testing.T) {
	s := BackupSettings{Destinations: Destinations{
		GDrive:  GDriveDestination{Enabled: true},
		Dropbox: DropboxDestination{Enabled: true},
	}}
	got := s.EnabledDestinations()
	if len(got) != 2 || got[0] != DestinationGDrive || got[1] != DestinationDropbox {
		t.Errorf("EnabledDestinations() = %v", got)
	}
}

func TestMasked_DoesNotMutateOriginal(t *testing.T) {
	s := BackupSettings{Destinations: Destinations{Dropbox: DropboxDestination{AccessToken: "secret"}}}
	m := s.Masked()
	if m.Destinations.Dropbox.AccessToken != MaskedSecret {
		t.Errorf("masked token = %q", m.Destinations.Dropbox.AccessToken)
	}
	if s.Destinations.Dropbox.AccessToken != "secret" {
		t.Error("Masked() mutated the original")
	}

	empty := BackupSettings{}.Masked()
	if empty.Destinations.Dropbox.AccessToken != "" {
		t.Error("empty token should stay empty")
	}
}

func TestValidationError_Message(t *testing.T) {
	err := &ValidationError{Fields: map[string]string{"schedule.timezone": "is required", "retentionDays": "must be positive"}}
	want := "invalid backup settings: retentionDays must be positive; schedule.timezone is required"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
