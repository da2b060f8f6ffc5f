package model

import "time"

// QuarantineStatus — статус записи карантина.
type QuarantineStatus string

// StatusQuarantined — единственный статус записи в текущей версии.
const StatusQuarantined QuarantineStatus = "quarantined"

// QuarantineRecord — сопутствующая запись изолированного файла.
// Ключ — ContentHash: одна запись на уникальное содержимое.
type QuarantineRecord struct {
	OriginalName        string           `json:"original_name"`
	ContentHash         string           `json:"content_hash"`
	QuarantineTimestamp time.Time        `json:"quarantine_timestamp"`
	Reasons             []string         `json:"reasons"`
	Status              QuarantineStatus `json:"status"`

	ByteLength   int64  `json:"byte_length"`
	DetectedType string `json:"detected_type,omitempty"`
	DeclaredType string `json:"declared_type,omitempty"`
	// Occurrences — сколько раз отклонялось идентичное содержимое
	Occurrences int `json:"occurrences"`
}

// SafeFileMetadata — метаданные принятого файла. Соответствует
// содержимому <stored_name>.attr.json. После создания не изменяется.
type SafeFileMetadata struct {
	OriginalName string `json:"original_name"`
	// StoredName — сгенерированное имя в безопасном хранилище (UUID + расширение)
	StoredName      string    `json:"stored_name"`
	ContentHash     string    `json:"content_hash"`
	ByteLength      int64     `json:"byte_length"`
	DetectedType    string    `json:"detected_type"`
	UploadTimestamp time.Time `json:"upload_timestamp"`
	UploadedBy      string    `json:"uploaded_by"`
	UploaderAddress string    `json:"uploader_address"`

	Verdict ValidationVerdict `json:"verdict"`
}

// UploaderContext — сведения о загрузившем пользователе.
type UploaderContext struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	// Address — сетевой адрес клиента
	Address string `json:"address,omitempty"`
}
