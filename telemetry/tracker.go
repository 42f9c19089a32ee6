package telemetry

import (
	"encoding/json"
	"fmt"
)

// TrackerScript returns the in-page listener that reports clicks, input and
// scrolling through window[binding].
func TrackerScript(binding string) string {
	name, _ := json.Marshal(binding)
	return fmt.Sprintf(trackerTemplate, name)
}

const trackerTemplate = `(() => {
	if (window.__pagewalkerTracker) return;
	window.__pagewalkerTracker = true;
	const binding = %s;

	const send = (payload) => {
		try {
			const fn = window[binding];
			if (typeof fn === "function") fn(JSON.stringify(payload));
		} catch (e) {}
	};

	const classOf = (el) => (el && typeof el.className === "string" ? el.className : "");

	const typeOf = (el) => {
		if (!el || !el.tagName) return "unknown";
		const tag = el.tagName.toUpperCase();
		const role = el.getAttribute("role");
		const type = (el.getAttribute("type") || "").toLowerCase();
		if (tag === "BUTTON" || (tag === "INPUT" && (type === "button" || type === "submit")) ||
			role === "button" || classOf(el).includes("btn")) return "button";
		if (tag === "A") return "link";
		if (role === "menuitem") return "menuitem";
		return tag.toLowerCase();
	};

	const describe = (eventType, el) => {
		const rect = el && el.getBoundingClientRect ? el.getBoundingClientRect() : null;
		return {
			timestamp: new Date().toISOString(),
			eventType: eventType,
			elementType: typeOf(el),
			elementText: ((el && (el.innerText || el.value || el.placeholder)) || "").trim().slice(0, 100),
			elementClasses: classOf(el),
			bbox: rect ? { x: rect.x, y: rect.y, width: rect.width, height: rect.height } : null,
			url: location.href,
			sessionId: window.__sessionId || "",
		};
	};

	document.addEventListener("click", (e) => send(describe("click", e.target)), true);
	document.addEventListener("input", (e) => send(describe("input", e.target)), true);

	let scrollTimer = null;
	window.addEventListener("scroll", () => {
		clearTimeout(scrollTimer);
		scrollTimer = setTimeout(() => {
			const ev = describe("scroll", document.documentElement);
			ev.elementType = "window";
			ev.elementText = String(Math.round(window.scrollY));
			ev.bbox = null;
			send(ev);
		}, 150);
	}, true);
})();`
