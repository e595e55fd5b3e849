package hilink

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Languages lists the tags vendor messages are available in. The first one
// is the default.
var Languages = []language.Tag{language.English, language.Korean}

const (
	okMessage      = "ok"
	unknownMessage = "vendor call failed (result=%d)"
)

// Catalog keys are the English messages of codeTable.
var koreanMessages = map[string]string{
	okMessage:      "정상",
	unknownMessage: "설비 호출 실패 (result=%d)",

	"controller is busy (EW_BUSY)":                             "제어기가 사용 중입니다. (EW_BUSY)",
	"wrong CNC controller type":                                "CNC 제어기 타입이 잘못 되었습니다.",
	"invalid communication handle":                             "잘못된 통신 Handler 번호를 사용했습니다.",
	"no vendor module available for this CNC type":             "CNC Type에 맞는 DLL이 없습니다. CNC Type 지원 여부를 확인하세요.",
	"CNC communication error: check power, cable, IP and port": "CNC 통신 에러: 설비 전원, 통신 케이블, IP 및 Port 번호를 확인하세요.",
	"cannot connect to the activation server":                  "온라인 활성화 서버에 접속 불가 혹은 인터넷 연결 상태를 확인하세요.",
	"cannot log in to the activation server":                   "온라인 활성화 서버에 로그인 불가 혹은 인터넷 연결 상태를 확인하세요.",
	"serial number verification failed":                        "시리얼번호 확인이 안 될 경우입니다. HI-LINK 담당자에 문의하세요.",
	"unknown serial number error":                              "시리얼번호 확인 중 알 수 없는 에러입니다. Hi-LINK 담당자에 문의하세요.",
	"connected equipment limit exceeded (type 1)":              "설비 연동 개수 초과 - Type1",
	"connected equipment limit exceeded (type 2)":              "설비 연동 개수 초과 - Type2",
	"license is not activated":                                 "라이선스를 활성화하세요.",
	"invalid serial number":                                    "잘못된 시리얼번호를 사용했습니다. 시리얼번호를 정확히 입력하세요.",
	"serial number is registered on another PC":                "다른 PC에 등록된 Serial 번호입니다. 이미 활성화된 시리얼 번호입니다.",
	"equipment UID is already registered":                      "이미 등록된 UID 입니다.",
	"equipment UID is not registered":                          "등록되지 않은 설비 UID 입니다.",
}

var (
	langMatcher = language.NewMatcher(Languages)
	messages    = newCatalog()
)

func newCatalog() *catalog.Builder {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for key, msg := range koreanMessages {
		if err := b.SetString(language.Korean, key, msg); err != nil {
			panic(err)
		}
	}
	return b
}

// MatchLanguage picks the supported language closest to an Accept-Language
// header value. Anything unparseable or unsupported gets the default.
func MatchLanguage(acceptLanguage string) language.Tag {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return Languages[0]
	}
	_, idx, conf := langMatcher.Match(tags...)
	if conf == language.No {
		return Languages[0]
	}
	return Languages[idx]
}

// LocalizedMessage is Message in the language tag.
func LocalizedMessage(code Code, tag language.Tag) string {
	p := message.NewPrinter(tag, message.Catalog(messages))
	if code == OK {
		return p.Sprintf(okMessage)
	}
	if info, ok := codeTable[code]; ok {
		return p.Sprintf(info.msg)
	}
	return p.Sprintf(unknownMessage, int(code))
}
