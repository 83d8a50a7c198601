package domain

// Provider - 메일 커넥터 종류
type Provider string

const (
	ProviderIMAP  Provider = "imap"  // 일반 IMAP 서버
	ProviderGmail Provider = "gmail" // Gmail REST API
	ProviderSMTP  Provider = "smtp"  // 발신 전용 (outgoing)
)

// TLSMode - 발신/수신 연결의 TLS 방식
type TLSMode string

const (
	TLSModeSSL      TLSMode = "ssl"      // implicit TLS (993/465)
	TLSModeStartTLS TLSMode = "starttls" // STARTTLS (143/587)
	TLSModeNone     TLSMode = "none"     // 평문 - 개발 환경에서만 허용
)

type ConnectorStatus string

const (
	ConnectorStatusActive   ConnectorStatus = "active"
	ConnectorStatusDisabled ConnectorStatus = "disabled"
)

// JobPriority - 작업 우선순위 (큐 버킷 매핑은 messaging 어댑터에서)
type JobPriority string

const (
	JobPriorityLow    JobPriority = "low"
	JobPriorityNormal JobPriority = "normal"
	JobPriorityHigh   JobPriority = "high"
)
