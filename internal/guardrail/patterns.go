package guardrail

import "regexp"

// Pattern sets mirror the languages the twin actually serves: Persian first,
// English second, a little Arabic for greetings.

var greetingPatterns = compileAll([]string{
	`^سلام[!\s]*$`, `^سلام[,،]?\s*\S+`, `^درود[!\s]*$`, `^صبح\s*بخیر`, `^شب\s*بخیر`,
	`^عصر\s*بخیر`, `^خسته\s*نباشید`, `^خدا\s*قوت`, `^چطوری[؟\?!]*$`, `^خوبی[؟\?!]*$`,
	`^چه\s*خبر[؟\?!]*$`, `^خوبم`, `^ممنون`, `^مرسی`, `^متشکر`, `^خداحافظ`, `^بای`,
	`^(?i)hi[!\s]*$`, `^(?i)hello[!\s]*$`, `^(?i)hey[!\s]*$`,
	`^(?i)good\s*(morning|afternoon|evening|night)`,
	`^(?i)how\s*are\s*you`, `^(?i)what'?s?\s*up`, `^(?i)yo[!\s]*$`,
	`^(?i)thanks?[!\s]*$`, `^(?i)thank\s*you`, `^(?i)bye[!\s]*$`, `^(?i)goodbye`,
	`^(?i)i'?m\s*(good|fine|ok|okay|great|tired|busy|well)`,
	`^مرحبا`, `^اهلا`, `^السلام\s*عليكم`,
})

var shortResponsePatterns = compileAll([]string{
	`^آره[!\s]*$`, `^نه[!\s]*$`, `^بله[!\s]*$`, `^خیر[!\s]*$`, `^باشه[!\s]*$`,
	`^اوکی[!\s]*$`, `^حتما[!\s]*$`, `^البته[!\s]*$`, `^شاید[!\s]*$`,
	`^نمی\s*دونم`, `^نمیدونم`, `^دقیقا[!\s]*$`,
	`^(?i)yes[!\s]*$`, `^(?i)no[!\s]*$`, `^(?i)yeah[!\s]*$`, `^(?i)nope[!\s]*$`,
	`^(?i)yep[!\s]*$`, `^(?i)sure[!\s]*$`, `^(?i)okay[!\s]*$`, `^(?i)ok[!\s]*$`,
	`^(?i)maybe[!\s]*$`, `^(?i)i\s*don'?t\s*know`, `^(?i)idk[!\s]*$`,
	`^(?i)exactly[!\s]*$`, `^(?i)of\s*course`, `^(?i)definitely[!\s]*$`,
	`^\d+[!\s]*$`, `^[۰-۹]+[!\s]*$`,
	`^(خوب|بد|متوسط|زیاد|کم|هیچی|چیزی)[!\s]*$`,
})

var selfQueryPatterns = compileAll([]string{
	`منو?\s*(می\s*)?شناسی`, `چی\s*راجع\s*به?\s*من`, `درباره\s*من`, `از\s*من\s*چی`,
	`اسمم?\s*چیه?`, `شغلم?\s*چیه?`, `سنم?\s*چند`, `کجا\s*زندگی\s*می\s*کنم`,
	`یادته?\s*(چی)?`, `به\s*یاد\s*داری`, `قبلا?\s*گفتم`, `بهت\s*گفته?\s*بودم`,
	`می\s*دونی\s*من`, `من\s*کی\s*ام`, `من\s*کیم`, `من\s*چی\s*کاره`,
	`(?i)do\s*you\s*know\s*me`, `(?i)what\s*do\s*you\s*know\s*about\s*me`,
	`(?i)who\s*am\s*i`, `(?i)what'?s?\s*my\s*name`, `(?i)remember\s*me`,
	`(?i)did\s*i\s*tell\s*you`, `(?i)my\s*profile`, `(?i)what\s*i\s*told\s*you`,
})

var jailbreakPatterns = compileAll([]string{
	`(?i)ignore\s*(your|all|previous)\s*(instructions?|rules?|prompt)`,
	`(?i)forget\s*(your|all|previous)\s*(instructions?|rules?|training)`,
	`(?i)disregard\s*(your|all|previous)`, `(?i)override\s*(your|system)`,
	`(?i)reveal\s*(your|system)\s*prompt`, `(?i)show\s*(me\s*)?(your|the)\s*prompt`,
	`(?i)what('?s|\s*is)\s*(your|the)\s*system\s*prompt`, `(?i)print\s*(your|system)\s*prompt`,
	`(?i)act\s*as\s*(a\s*different|another)\s*(ai|assistant|bot)`,
	`(?i)pretend\s*(to\s*be|you('?re|are))\s*(a\s*different|another)`,
	`(?i)you\s*are\s*now\s*(a|an)\s`, `(?i)from\s*now\s*on\s*you\s*are`,
	`(?i)jailbreak`, `(?i)dan\s*mode`, `(?i)developer\s*mode`,
	`(?i)bypass\s*(your|the)\s*(filters?|rules?)`,
	`دستورات?ت?\s*رو\s*(نادیده|فراموش)`, `قوانینت?\s*رو\s*(نادیده|فراموش)`,
	`پرامپت\s*(سیستم)?ت?\s*(چیه?|نشون|بگو)`,
	`از\s*این\s*به\s*بعد\s*تو`, `وانمود\s*کن`,
})

var otherUserPatterns = compileAll([]string{
	`(?i)(tell|show|give)\s*me\s*about\s*(user|person|account)\s*\w+`,
	`(?i)what\s*(do\s*you\s*know|info|data)\s*about\s*(user|person)\s*\w+`,
	`(اطلاعات|داده)\s*(کاربر|یوزر|شخص)\s*\w+`,
	`درباره\s*(کاربر|یوزر|شخص)\s*\w+\s*بگو`,
	`(?i)(user|کاربر)\s*\w+\s*(profile|پروفایل)`,
})

var gibberishPattern = regexp.MustCompile(`(?i)^[bcdfghjklmnpqrstvwxz]{5,}$|^[صثقفغعهخحجچپ]{5,}$`)

func compileAll(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		compiled[i] = regexp.MustCompile(p)
	}
	return compiled
}

func matchesAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}
